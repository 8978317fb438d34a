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

// fhud-feed simulates the ASR producer: it creates the shared-memory
// segment and appends words to the ring on a fixed cadence. Useful for
// exercising a consumer without the real ASR pipeline.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/4rash-4/fHUD/internal/transport/shm"
)

const sampleText = "the quick brown fox jumps over the lazy dog " +
	"pack my box with five dozen liquor jugs"

func main() {
	name := flag.String("name", "tc_rb", "shared memory segment name")
	lock := flag.String("lock", "", "advisory lock file path (default derived from name)")
	interval := flag.Duration("interval", 16*time.Millisecond, "delay between words")
	stdin := flag.Bool("stdin", false, "read words from stdin instead of the sample text")
	flag.Parse()

	producer, err := shm.OpenProducer(*name, *lock)
	if err != nil {
		log.Fatalf("open producer: %v", err)
	}
	defer producer.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	words := make(chan string)
	go func() {
		defer close(words)
		if *stdin {
			scanner := bufio.NewScanner(os.Stdin)
			scanner.Split(bufio.ScanWords)
			for scanner.Scan() {
				words <- scanner.Text()
			}
			return
		}
		for {
			for _, w := range strings.Fields(sampleText) {
				words <- w
			}
		}
	}()

	written := 0
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("feeding segment %q every %s (ctrl-c to stop)\n", *name, *interval)
	for {
		select {
		case <-sig:
			fmt.Printf("\nwrote %d words, %d dropped on overflow\n", written, producer.Overflow())
			return
		case <-ticker.C:
			word, ok := <-words
			if !ok {
				fmt.Printf("input exhausted: wrote %d words, %d dropped\n", written, producer.Overflow())
				return
			}
			now := float64(time.Now().UnixNano()) / 1e9
			if _, err := producer.Append(word, now, 0.95); err != nil {
				if err == shm.ErrRingFull {
					continue
				}
				log.Fatalf("append: %v", err)
			}
			written++
		}
	}
}
