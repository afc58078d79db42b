package main

import (
	"fmt"
	"math/rand"
	"net/http"
	"time"
)

// newDemoMux returns the endpoints of the instrumented demo app.
func newDemoMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"message": "Hello from the tinystat demo", "timestamp": "%s"}`, time.Now().Format(time.RFC3339))
	})

	mux.HandleFunc("/api/products", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Duration(rand.Intn(50)) * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"products": [{"id": 1, "name": "Widget"}, {"id": 2, "name": "Gadget"}]}`)
	})

	mux.HandleFunc("/api/cart", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Duration(rand.Intn(80)) * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"items": 2, "total": 249.98}`)
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status": "healthy", "timestamp": "%s"}`, time.Now().Format(time.RFC3339))
	})

	return mux
}
