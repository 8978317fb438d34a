/*
 *
 * Copyright 2025 the fHUD authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// fhud-tap attaches to a running producer and prints the unified word
// stream, per-source statistics, and health transitions.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	fhud "github.com/4rash-4/fHUD"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (optional)")
	flag.Parse()

	cfg, err := fhud.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridge, err := fhud.Connect(ctx, cfg, fhud.Callbacks{
		OnWord: func(ev fhud.WordEvent) {
			fmt.Printf("[%s] #%d %q conf=%.2f\n", ev.Source, ev.Sequence, ev.Word, ev.Confidence)
		},
		OnStats: func(s fhud.Stats) {
			fmt.Printf("-- %s: %d events, avg latency %.3f ms\n",
				s.Source, s.Count, s.AvgLatency*1000)
		},
		OnConcepts: func(cs []fhud.Concept) {
			for _, c := range cs {
				fmt.Printf("** concept %q (%s) conf=%.2f\n", c.Text, c.Category, c.Confidence)
			}
		},
		OnHealth: func(from, to fhud.HealthState) {
			fmt.Printf("!! health %s -> %s\n", from, to)
		},
	})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer bridge.Stop()

	fmt.Printf("tapping segment %q, channel %s (ctrl-c to stop)\n",
		cfg.SegmentName, cfg.ChannelURL)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	fmt.Printf("\nfinal health: %s\n", bridge.Health())
}
