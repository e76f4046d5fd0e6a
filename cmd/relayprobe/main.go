// Command relayprobe issues a single HTTP request against a running
// relayd worker and reports the outcome: status code, content type, and
// time to first byte. It is a minimal one-shot client speaking the
// external HTTP protocol rather than reaching into the worker process.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	var (
		url     = flag.String("url", "http://127.0.0.1:8080/playlist.m3u", "Request URL")
		method  = flag.String("method", "GET", "HTTP method (GET or HEAD)")
		timeout = flag.Duration("timeout", 3*time.Second, "Request timeout")
		quiet   = flag.Bool("quiet", false, "Suppress output (exit status indicates success)")
	)
	flag.Parse()

	client := &http.Client{Timeout: *timeout}
	req, err := http.NewRequest(*method, *url, nil)
	if err != nil {
		fail(*quiet, err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		fail(*quiet, err)
	}
	defer resp.Body.Close()
	ttfb := time.Since(start)

	var n int
	if *method == "GET" {
		// Read one buffer's worth to confirm the stream actually produces
		// bytes, then stop; relayprobe is a liveness check, not a client.
		buf := make([]byte, 4096)
		n, _ = resp.Body.Read(buf)
	}

	if *quiet {
		if resp.StatusCode >= 400 {
			os.Exit(1)
		}
		return
	}

	fmt.Printf("status=%d content-type=%q ttfb=%s first-read=%dB\n",
		resp.StatusCode, resp.Header.Get("Content-Type"), ttfb, n)
	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		os.Exit(1)
	}
}

func fail(quiet bool, err error) {
	if !quiet {
		fmt.Fprintf(os.Stderr, "relayprobe error: %v\n", err)
	}
	os.Exit(1)
}
