package provider_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/fleetbroker/internal/provider"
)

func TestParseHandlerCaseInsensitive(t *testing.T) {
	tests := []struct {
		in   string
		want provider.Handler
	}{
		{"EC2Fleet", provider.HandlerEC2Fleet},
		{"ec2fleet", provider.HandlerEC2Fleet},
		{"spotfleet", provider.HandlerSpotFleet},
		{"asg", provider.HandlerASG},
		{" RunInstances ", provider.HandlerRunInstances},
		{"SERVERS", provider.HandlerServers},
	}
	for _, tt := range tests {
		got, err := provider.ParseHandler(tt.in)
		if err != nil {
			t.Errorf("ParseHandler(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseHandler(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}

	if _, err := provider.ParseHandler("LaunchTemplate"); err == nil {
		t.Error("expected error for unknown handler, got nil")
	}
}

func TestParseType(t *testing.T) {
	if got, err := provider.ParseType("AWS"); err != nil || got != provider.TypeAWS {
		t.Errorf("ParseType(AWS) = %q, %v", got, err)
	}
	if _, err := provider.ParseType("gcp"); err == nil {
		t.Error("expected error for unknown type, got nil")
	}
}

func TestHandlerOperationIsExhaustive(t *testing.T) {
	want := map[provider.Handler]provider.OperationType{
		provider.HandlerEC2Fleet:     provider.OperationFleet,
		provider.HandlerSpotFleet:    provider.OperationFleet,
		provider.HandlerASG:          provider.OperationASG,
		provider.HandlerRunInstances: provider.OperationFlat,
		provider.HandlerServers:      provider.OperationFlat,
	}
	for _, h := range provider.Handlers {
		if got := h.Operation(); got != want[h] {
			t.Errorf("%s.Operation() = %s, want %s", h, got, want[h])
		}
	}
}

func TestClassifyState(t *testing.T) {
	tests := []struct {
		handler  provider.Handler
		state    string
		terminal bool
	}{
		{provider.HandlerEC2Fleet, "submitted", false},
		{provider.HandlerEC2Fleet, "modifying", false},
		{provider.HandlerEC2Fleet, "active", true},
		{provider.HandlerEC2Fleet, "deleted_terminating", true},
		{provider.HandlerEC2Fleet, "failed", true},
		{provider.HandlerSpotFleet, "submitted", false},
		{provider.HandlerSpotFleet, "active", true},
		{provider.HandlerSpotFleet, "cancelled_running", true},
		{provider.HandlerASG, "", true},
		{provider.HandlerASG, "Delete in progress", false},
		{provider.HandlerRunInstances, "", true},
		{provider.HandlerServers, "anything", true},
	}
	for _, tt := range tests {
		if got := provider.ClassifyState(tt.handler, tt.state); got != tt.terminal {
			t.Errorf("ClassifyState(%s, %q) = %v, want %v", tt.handler, tt.state, got, tt.terminal)
		}
	}
}

func TestEffectiveHandlersInheritsDefaults(t *testing.T) {
	handlers, err := provider.EffectiveHandlers(provider.InstanceConfig{Name: "a", Type: provider.TypeAWS})
	if err != nil {
		t.Fatalf("EffectiveHandlers: %v", err)
	}
	for _, h := range []provider.Handler{provider.HandlerEC2Fleet, provider.HandlerSpotFleet, provider.HandlerASG, provider.HandlerRunInstances} {
		if _, ok := handlers[h]; !ok {
			t.Errorf("missing inherited handler %s", h)
		}
	}
	if _, ok := handlers[provider.HandlerServers]; ok {
		t.Error("aws must not offer the Servers handler")
	}
}

func TestEffectiveHandlersOverrides(t *testing.T) {
	cfg := provider.InstanceConfig{
		Name: "a",
		Type: provider.TypeAWS,
		HandlerOverrides: map[string]any{
			"spotfleet": "remove",
			"ASG":       map[string]any{"supports_spot": false, "max_capacity": 5},
		},
	}
	handlers, err := provider.EffectiveHandlers(cfg)
	if err != nil {
		t.Fatalf("EffectiveHandlers: %v", err)
	}
	if _, ok := handlers[provider.HandlerSpotFleet]; ok {
		t.Error("SpotFleet should be removed")
	}
	asg := handlers[provider.HandlerASG]
	if asg.Bool(provider.KeySupportsSpot) {
		t.Error("ASG override should disable spot")
	}
	if asg.Bool(provider.KeySupportsOnDemand) {
		t.Error("ASG override replaces the handler config, supports_ondemand should be unset")
	}
	if n, ok := asg.Int(provider.KeyMaxCapacity); !ok || n != 5 {
		t.Errorf("ASG max_capacity = %d, %v, want 5", n, ok)
	}
	if _, ok := handlers[provider.HandlerEC2Fleet]; !ok {
		t.Error("EC2Fleet should be inherited unchanged")
	}
}

func TestEffectiveHandlersDoesNotMutateDefaults(t *testing.T) {
	cfg := provider.InstanceConfig{
		Name:             "a",
		Type:             provider.TypeAWS,
		HandlerOverrides: map[string]any{"EC2Fleet": "remove"},
	}
	if _, err := provider.EffectiveHandlers(cfg); err != nil {
		t.Fatalf("EffectiveHandlers: %v", err)
	}
	if _, ok := provider.DefaultHandlers(provider.TypeAWS)[provider.HandlerEC2Fleet]; !ok {
		t.Error("removing an override leaked into the defaults")
	}
}

func TestEffectiveHandlersReportsBadOverrides(t *testing.T) {
	cfg := provider.InstanceConfig{
		Name:             "a",
		Type:             provider.TypeSim,
		HandlerOverrides: map[string]any{"Bogus": "remove", "EC2Fleet": "disable"},
	}
	handlers, err := provider.EffectiveHandlers(cfg)
	if err == nil {
		t.Fatal("expected error for bad overrides, got nil")
	}
	if _, ok := handlers[provider.HandlerEC2Fleet]; !ok {
		t.Error("invalid override should leave the inherited handler in place")
	}
}

func TestHandlerConfigStringsFromDecodedList(t *testing.T) {
	hc := provider.HandlerConfig{provider.KeyFleetTypes: []any{"instant", 3, "request"}}
	got := hc.Strings(provider.KeyFleetTypes)
	if len(got) != 2 || got[0] != "instant" || got[1] != "request" {
		t.Errorf("Strings() = %v, want [instant request]", got)
	}
}

// flakyGateway fails reads a fixed number of times before succeeding.
type flakyGateway struct {
	stubGateway
	failures int32
	err      error
	calls    atomic.Int32
	submits  atomic.Int32
}

func (f *flakyGateway) DescribeCapacity(context.Context, provider.Handler, []string) (provider.CapacitySnapshot, error) {
	if f.calls.Add(1) <= f.failures {
		return provider.CapacitySnapshot{}, f.err
	}
	return provider.CapacitySnapshot{Target: 4, Fulfilled: 4}, nil
}

func (f *flakyGateway) Submit(context.Context, provider.Handler, map[string]any) (string, error) {
	f.submits.Add(1)
	return "", f.err
}

func fastRetry() provider.RetryOptions {
	return provider.RetryOptions{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestWithRetryRecoversTransientErrors(t *testing.T) {
	inner := &flakyGateway{failures: 2, err: &provider.APIError{Code: "RequestLimitExceeded", Retryable: true}}
	gw := provider.WithRetry(inner, fastRetry())

	snap, err := gw.DescribeCapacity(context.Background(), provider.HandlerEC2Fleet, []string{"fleet-1"})
	if err != nil {
		t.Fatalf("DescribeCapacity: %v", err)
	}
	if snap.Fulfilled != 4 {
		t.Errorf("Fulfilled = %v, want 4", snap.Fulfilled)
	}
	if got := inner.calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	inner := &flakyGateway{failures: 10, err: &provider.APIError{Code: "InvalidFleetId.NotFound", Retryable: false}}
	gw := provider.WithRetry(inner, fastRetry())

	_, err := gw.DescribeCapacity(context.Background(), provider.HandlerEC2Fleet, []string{"fleet-1"})
	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "InvalidFleetId.NotFound" {
		t.Fatalf("err = %v, want InvalidFleetId.NotFound", err)
	}
	if got := inner.calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestWithRetryGivesUpAfterMaxRetries(t *testing.T) {
	inner := &flakyGateway{failures: 10, err: errors.New("connection reset")}
	gw := provider.WithRetry(inner, fastRetry())

	if _, err := gw.DescribeCapacity(context.Background(), provider.HandlerEC2Fleet, nil); err == nil {
		t.Fatal("expected error after exhausting retries, got nil")
	}
	if got := inner.calls.Load(); got != 4 {
		t.Errorf("calls = %d, want 4 (1 attempt + 3 retries)", got)
	}
}

func TestWithRetryNeverRetriesSubmit(t *testing.T) {
	inner := &flakyGateway{err: &provider.APIError{Code: "Throttling", Retryable: true}}
	gw := provider.WithRetry(inner, fastRetry())

	if _, err := gw.Submit(context.Background(), provider.HandlerEC2Fleet, nil); err == nil {
		t.Fatal("expected submit error, got nil")
	}
	if got := inner.submits.Load(); got != 1 {
		t.Errorf("submits = %d, want 1", got)
	}
}

func TestAsProviderError(t *testing.T) {
	pe := provider.AsProviderError(&provider.APIError{Code: "InsufficientInstanceCapacity", Message: "no capacity"})
	if pe.Code != "InsufficientInstanceCapacity" || pe.Message != "no capacity" {
		t.Errorf("AsProviderError = %+v", pe)
	}
	pe = provider.AsProviderError(errors.New("boom"))
	if pe.Code != "InternalError" || pe.Message != "boom" {
		t.Errorf("AsProviderError(plain) = %+v", pe)
	}
}

func TestIsRetryableContextErrors(t *testing.T) {
	if provider.IsRetryable(context.Canceled) {
		t.Error("context.Canceled must not be retryable")
	}
	if !provider.IsRetryable(errors.New("timeout")) {
		t.Error("plain errors should be retryable")
	}
}
