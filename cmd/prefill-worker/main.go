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
	"os"
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
	"github.com/vllm-serving/disagg-coordinator/pkg/transfer"
	"github.com/vllm-serving/disagg-coordinator/pkg/utils"
	"github.com/vllm-serving/disagg-coordinator/pkg/worker"
)

const healthService = "prefill-worker"

var (
	healthAddr     string
	metricsAddr    string
	minPeerWorkers int
	eagerRegister  bool
)

func main() {
	cfg := config.New()
	flag.StringVar(&healthAddr, "health-bind-address", cfg.HealthAddr, "The address the gRPC health server binds to.")
	flag.StringVar(&metricsAddr, "metrics-bind-address", cfg.MetricsAddr, "The address the metric endpoint binds to.")
	flag.IntVar(&minPeerWorkers, "min-decode-workers", cfg.MinPeerWorkers,
		"Minimum registered decode workers required before serving.")
	flag.BoolVar(&eagerRegister, "eager-register-memory", cfg.EagerRegisterMemory,
		"Pin transfer buffers at startup instead of on first use.")
	klog.InitFlags(flag.CommandLine)
	defer klog.Flush()
	flag.Parse()

	cfg.HealthAddr = healthAddr
	cfg.MetricsAddr = metricsAddr
	cfg.MinPeerWorkers = minPeerWorkers
	cfg.EagerRegisterMemory = eagerRegister
	cfg.RemotePrefill = true
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

	reg := registry.New(etcdClient)
	instanceID := uuid.NewString()
	registration, err := reg.Register(ctx, registry.Instance{
		Namespace:  cfg.Namespace,
		Component:  "prefill",
		Endpoint:   "prefill",
		InstanceID: instanceID,
		Address:    cfg.HealthAddr,
	})
	if err != nil {
		klog.Fatalf("Failed to register prefill worker: %v", err)
	}
	defer func() {
		if err := registration.Close(); err != nil {
			klog.Warningf("Error deregistering prefill worker: %v", err)
		}
	}()

	q := queue.NewRedisQueue(redisClient, queue.RedisQueueOptions{
		Stream:         cfg.QueueStreamName(),
		Consumer:       instanceID,
		DequeueTimeout: cfg.DequeueTimeout,
		EnqueueRetries: cfg.EnqueueRetries,
		EnqueueBackoff: cfg.EnqueueBackoff,
	})
	store := metadata.NewEtcdStore(etcdClient, cfg.Namespace)
	session := transfer.NewSession(cfg.Namespace, transfer.SessionOptions{
		EagerRegister: cfg.EagerRegisterMemory,
	})

	w := worker.NewPrefillWorker(cfg, eng, q, store, session, publisher, worker.PrefillWorkerOptions{
		Registry:      reg,
		PeerComponent: "decode",
		PeerEndpoint:  "generate",
		StateListener: func(s worker.WorkerState) {
			status := healthPb.HealthCheckResponse_NOT_SERVING
			if s == worker.StateReady {
				status = healthPb.HealthCheckResponse_SERVING
			}
			healthCheck.SetServingStatus(healthService, status)
		},
	})

	klog.Infof("Prefill worker %s starting in namespace %s (stream %s)",
		instanceID, cfg.Namespace, cfg.QueueStreamName())
	if err := w.Run(ctx); err != nil {
		klog.ErrorS(err, "Prefill worker exited with error")
		os.Exit(1)
	}
}
