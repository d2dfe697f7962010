//go:build ignore

// fake_worker speaks the worker protocol on stdin/stdout for subprocess tests.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

type request struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload"`
}

func main() {
	var mu sync.Mutex
	out := json.NewEncoder(os.Stdout)
	emit := func(v any) {
		mu.Lock()
		defer mu.Unlock()
		_ = out.Encode(v)
	}
	fmt.Fprintln(os.Stderr, "fake worker on", os.Getenv("CUDA_VISIBLE_DEVICES"))
	emit(map[string]any{"type": "heartbeat", "status": "ready"})
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		var r request
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Command {
		case "status":
			emit(map[string]any{"id": r.ID, "ok": true, "result": map[string]any{
				"state": "ready", "model_id": os.Getenv("CUDA_VISIBLE_DEVICES"),
			}})
		case "crash":
			fmt.Fprintln(os.Stderr, "segfault in kernel")
			os.Exit(3)
		case "shutdown":
			emit(map[string]any{"id": r.ID, "ok": true})
			return
		default:
			emit(map[string]any{"id": r.ID, "ok": true, "result": map[string]any{}})
		}
	}
}
