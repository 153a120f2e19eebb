package dht

import (
	"context"
	"encoding/json"
	"expvar"
	"net"
	"net/http"
)

// Registration is the POST body accepted by the debug server's /nodes
// endpoint: a hint that a remote address is worth pinging and, if it
// answers, admitting to the routing table.
type Registration struct {
	NodeAddr net.UDPAddr
}

// startDebugServer launches a best-effort HTTP admin surface: GET /state
// returns a JSON State snapshot, GET /debug/vars is the standard expvar
// dump, and POST /nodes accepts a Registration to probe. Listen errors are
// logged, not fatal, since this surface is optional.
func startDebugServer(d *DHT, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		state, err := d.GetState(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(state)
	})
	mux.HandleFunc("/nodes", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var reg Registration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			d.log.Errorf("dht: debug server: bad registration: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		if err := d.AddNode(ctx, &reg.NodeAddr); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-d.ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Errorf("dht: debug server: %v", err)
		}
	}()
}
