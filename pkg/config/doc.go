// Package config loads hive.yaml. Each section maps onto the Config struct
// of the package it configures; heartbeat, scheduler and loadBalancer are
// top-level sections shared by the driver. Durations use Go syntax ("500ms",
// "2s").
//
//	driver:
//	  nodeAddr: ":11111"
//	  localNode: true
//	  persistJobs: true
//	heartbeat:
//	  interval: 1s
//	  timeout: 1s
//	  maxRetries: 3
//	loadBalancer:
//	  algorithm: proportional
//	storage:
//	  type: sqlite
//	  path: /var/lib/hive/hive.db
//	api:
//	  grpcAddr: ":11120"
//	  httpAddr: ":11121"
//	  unixSocket: /run/hive.sock
//	log:
//	  level: debug
package config
