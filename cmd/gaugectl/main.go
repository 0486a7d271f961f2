// Command gaugectl publishes test envelopes to a running pipeline's ingest
// endpoint, standing in for a gauge during development and smoke tests.
//
// Usage:
//
//	gaugectl -addr http://localhost:8080 -source gauge-001 -type flow_reading -value 850
//	gaugectl -source gauge-001 -type heartbeat -aux battery=87,signalStrength=-62
//
// Exit codes: 0 success, 1 generic failure, 2 connection failure,
// 3 validation failure.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/riverpulse/pipeline/internal/domain"
)

const (
	exitOK         = 0
	exitFailure    = 1
	exitConnection = 2
	exitValidation = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		addr     = flag.String("addr", "http://localhost:8080", "pipeline base URL")
		source   = flag.String("source", "", "source id (required)")
		msgType  = flag.String("type", "flow_reading", "message type: flow_reading, heartbeat, or telemetry")
		value    = flag.Float64("value", 0, "metric value in CFS (flow_reading)")
		observed = flag.String("observed", "", "observedAt timestamp, RFC 3339 (default now)")
		aux      = flag.String("aux", "", "aux metrics as k=v,k=v")
		timeout  = flag.Duration("timeout", 10*time.Second, "request timeout")
	)
	flag.Parse()

	env, err := buildEnvelope(*source, *msgType, *value, *observed, *aux)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid input:", err)
		return exitValidation
	}

	body, err := json.Marshal(env)
	if err != nil {
		fmt.Fprintln(os.Stderr, "serialize envelope:", err)
		return exitFailure
	}

	// Validate the exact bytes the server will see.
	if _, err := domain.DecodeMessage(body, time.Now().UTC()); err != nil {
		fmt.Fprintln(os.Stderr, "invalid envelope:", err)
		return exitValidation
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Post(strings.TrimRight(*addr, "/")+"/ingest", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		return exitConnection
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		fmt.Fprintf(os.Stderr, "publish rejected: %s: %s\n", resp.Status, strings.TrimSpace(string(respBody)))
		return exitFailure
	}

	fmt.Printf("published %s for %s: %s\n", *msgType, *source, strings.TrimSpace(string(respBody)))
	return exitOK
}

func buildEnvelope(source, msgType string, value float64, observed, aux string) (domain.Envelope, error) {
	if source == "" {
		return domain.Envelope{}, fmt.Errorf("-source is required")
	}

	observedAt := time.Now().UTC()
	if observed != "" {
		t, err := time.Parse(time.RFC3339, observed)
		if err != nil {
			return domain.Envelope{}, fmt.Errorf("parse -observed: %w", err)
		}
		observedAt = t
	}

	env := domain.Envelope{
		SourceID:   source,
		Type:       msgType,
		ObservedAt: observedAt,
	}

	switch domain.MessageKind(msgType) {
	case domain.KindFlowReading:
		v := value
		env.MetricValue = &v
	case domain.KindHeartbeat, domain.KindTelemetry:
	default:
		return domain.Envelope{}, fmt.Errorf("unsupported -type %q", msgType)
	}

	if aux != "" {
		metrics, err := parseAux(aux)
		if err != nil {
			return domain.Envelope{}, err
		}
		env.AuxMetrics = metrics
	}
	return env, nil
}

func parseAux(s string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("parse -aux: %q is not k=v", pair)
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("parse -aux %q: %w", k, err)
		}
		out[k] = f
	}
	return out, nil
}
