/*
Copyright 2025 The Disagg Coordinator Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthPb "google.golang.org/grpc/health/grpc_health_v1"
	"k8s.io/klog/v2"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/vllm-serving/disagg-coordinator/pkg/config"
	"github.com/vllm-serving/disagg-coordinator/pkg/engine"
	"github.com/vllm-serving/disagg-coordinator/pkg/metadata"
	"github.com/vllm-serving/disagg-coordinator/pkg/metrics"
	"github.com/vllm-serving/disagg-coordinator/pkg/queue"
	"github.com/vllm-serving/disagg-coordinator/pkg/registry"
	"github.com/vllm-serving/disagg-coordinator/pkg/router"
	"github.com/vllm-serving/disagg-coordinator/pkg/transfer"
	"github.com/vllm-serving/disagg-coordinator/pkg/utils"
	"github.com/vllm-serving/disagg-coordinator/pkg/worker"
)

const healthService = "decode-worker"

var (
	healthAddr            string
	metricsAddr           string
	remotePrefill         bool
	conditionalDisagg     bool
	maxLocalPrefillLength int
	maxPrefillQueueSize   int
	eagerRegister         bool
)

func main() {
	cfg := config.New()
	flag.StringVar(&healthAddr, "health-bind-address", cfg.HealthAddr, "The address the gRPC health server binds to.")
	flag.StringVar(&metricsAddr, "metrics-bind-address", cfg.MetricsAddr, "The address the metric endpoint binds to.")
	flag.BoolVar(&remotePrefill, "remote-prefill", false, "Enable prefill offload to the prefill worker pool.")
	flag.BoolVar(&conditionalDisagg, "conditional-disagg", false,
		"Route prefill locally or remotely per request instead of always remotely.")
	flag.IntVar(&maxLocalPrefillLength, "max-local-prefill-length", cfg.MaxLocalPrefillLength,
		"Largest prompt length (inclusive) still prefilled locally.")
	flag.IntVar(&maxPrefillQueueSize, "max-prefill-queue-size", cfg.MaxPrefillQueueSize,
		"Queue depth past which remote prefill is abandoned for backpressure.")
	flag.BoolVar(&eagerRegister, "eager-register-memory", cfg.EagerRegisterMemory,
		"Pin transfer buffers at startup instead of on first use.")
	klog.InitFlags(flag.CommandLine)
	defer klog.Flush()
	flag.Parse()

	cfg.HealthAddr = healthAddr
	cfg.MetricsAddr = metricsAddr
	cfg.RemotePrefill = remotePrefill
	cfg.ConditionalDisagg = conditionalDisagg
	cfg.MaxLocalPrefillLength = maxLocalPrefillLength
	cfg.MaxPrefillQueueSize = maxPrefillQueueSize
	cfg.EagerRegisterMemory = eagerRegister
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		klog.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, err := utils.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		klog.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			klog.Warningf("Error closing Redis client: %v", err)
		}
	}()

	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.EtcdEndpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		klog.Fatalf("Failed to connect to etcd: %v", err)
	}
	defer func() {
		if err := etcdClient.Close(); err != nil {
			klog.Warningf("Error closing etcd client: %v", err)
		}
	}()

	eng, err := engine.New(cfg)
	if err != nil {
		klog.Fatalf("Failed to create %s engine: %v", cfg.EngineBackend, err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			klog.Warningf("Error closing engine client: %v", err)
		}
	}()

	metricsServer := metrics.NewServer(cfg.MetricsAddr)
	if err := metricsServer.Start(); err != nil {
		klog.Fatalf("Failed to start metrics server: %v", err)
	}
	defer func() {
		if err := metricsServer.Stop(); err != nil {
			klog.Warningf("Error stopping metrics server: %v", err)
		}
	}()
	publisher := metrics.NewPublisher(nil)

	lis, err := net.Listen("tcp", cfg.HealthAddr)
	if err != nil {
		klog.Fatalf("Failed to listen on %s: %v", cfg.HealthAddr, err)
	}
	grpcServer := grpc.NewServer()
	healthCheck := health.NewServer()
	healthPb.RegisterHealthServer(grpcServer, healthCheck)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			klog.Fatalf("Health server failed: %v", err)
		}
	}()
	defer grpcServer.GracefulStop()

	q := queue.NewRedisQueue(redisClient, queue.RedisQueueOptions{
		Stream:         cfg.QueueStreamName(),
		DequeueTimeout: cfg.DequeueTimeout,
		EnqueueRetries: cfg.EnqueueRetries,
		EnqueueBackoff: cfg.EnqueueBackoff,
	})
	store := metadata.NewEtcdStore(etcdClient, cfg.Namespace)
	session := transfer.NewSession(cfg.Namespace, transfer.SessionOptions{
		EagerRegister: cfg.EagerRegisterMemory,
	})

	var rt *router.Router
	if cfg.ConditionalDisagg {
		rt = router.New(cfg.MaxLocalPrefillLength, cfg.MaxPrefillQueueSize)
	}

	w := worker.NewDecodeWorker(cfg, eng, q, rt, session, store, publisher)
	if err := w.Start(ctx); err != nil {
		klog.Fatalf("Failed to start decode worker: %v", err)
	}

	reg := registry.New(etcdClient)
	instanceID := uuid.NewString()
	registration, err := reg.Register(ctx, registry.Instance{
		Namespace:  cfg.Namespace,
		Component:  "decode",
		Endpoint:   "generate",
		InstanceID: instanceID,
		Address:    cfg.HealthAddr,
	})
	if err != nil {
		klog.Fatalf("Failed to register decode worker: %v", err)
	}
	defer func() {
		if err := registration.Close(); err != nil {
			klog.Warningf("Error deregistering decode worker: %v", err)
		}
	}()
	healthCheck.SetServingStatus(healthService, healthPb.HealthCheckResponse_SERVING)

	klog.Infof("Decode worker %s serving in namespace %s (remote prefill %t, conditional %t)",
		instanceID, cfg.Namespace, cfg.RemotePrefill, cfg.ConditionalDisagg)
	<-ctx.Done()
	klog.Warning("Signal received, initiating graceful shutdown")
	healthCheck.SetServingStatus(healthService, healthPb.HealthCheckResponse_NOT_SERVING)
}
