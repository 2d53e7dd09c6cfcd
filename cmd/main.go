package main

import (
	"crypto/tls"
	"log"
	"net/http"
	"os"

	"github.com/tkuchiki/h2core/h2core"
)

func main() {
	log.SetPrefix("[h2] ")

	cert, err := tls.LoadX509KeyPair(os.Args[1], os.Args[2])
	if err != nil {
		log.Panicf("failed to load certification file: %s", err)
	}

	srv := h2core.NewServer(cert, h2core.NewConfig())
	if err := srv.ListenAndServe(":8080", http.HandlerFunc(handle)); err != nil {
		log.Panicf("server stopped: %s", err)
	}
}

func handle(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(200)
	w.Write([]byte("<html><body><h1>Hello, HTTP/2!</h1></body></html>"))
}
