package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braidd/internal/clustering"
	"github.com/fyrsmithlabs/braidd/internal/httpapi"
	"github.com/fyrsmithlabs/braidd/internal/injection"
	"github.com/fyrsmithlabs/braidd/internal/learning"
	"github.com/fyrsmithlabs/braidd/internal/promotion"
	"github.com/fyrsmithlabs/braidd/internal/strand"
)

type stubEngine struct {
	notified []*strand.Strand
	request  injection.Request
}

func (s *stubEngine) NotifyNewRecord(_ context.Context, rec *strand.Strand) (*learning.NotifyResult, error) {
	if rec.Kind == "" {
		return nil, &strand.ValidationError{Field: "kind", Reason: "kind is required"}
	}
	s.notified = append(s.notified, rec)
	return &learning.NotifyResult{ID: "s-1", Evaluated: true}, nil
}

func (s *stubEngine) GetContext(_ context.Context, req injection.Request) (*injection.Result, error) {
	s.request = req
	if req.Consumer != "risk_assessor" {
		return nil, injection.ErrNotSubscribed
	}
	return &injection.Result{Consumer: req.Consumer, Kind: req.Kind, Lessons: []injection.Lesson{{
		ID:          "b-1",
		Level:       1,
		Bucket:      "asset=BTC",
		Text:        "BTC breakouts held",
		KeyInsights: []string{"volume confirmed"},
		Scores:      strand.Scores{S: 0.7},
		Members:     3,
	}}}, nil
}

func (s *stubEngine) Status() promotion.Status {
	return promotion.Status{
		InFlight: []promotion.Flight{},
		Deferred: []promotion.Deferral{{
			Key:       clustering.Key{Kind: "prediction_review", Dimension: "asset", Bucket: "asset=ETH"},
			MemberIDs: []string{"a", "b", "c"},
			Attempts:  3,
			LastError: "synthesis timed out",
			Since:     time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC),
		}},
	}
}

func startServer(t *testing.T) *stubEngine {
	t.Helper()
	stub := &stubEngine{}
	srv, err := httpapi.NewServer(httpapi.Deps{Ingest: stub, Context: stub, Promotions: stub}, zap.NewNop(), nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	old := serverURL
	t.Cleanup(func() { serverURL = old })
	serverURL = ts.URL
	return stub
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append(args, "--server", serverURL))
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		contextFilters, contextLimit, contextJSON = nil, 0, false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestNotifyCommand(t *testing.T) {
	stub := startServer(t)
	out, err := execute(t, `{
		"kind": "prediction_review",
		"attributes": [{"name": "asset", "value": {"type": "categorical", "value": "BTC"}}]
	}`, "notify", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "recorded s-1 (evaluated: true)")
	require.Len(t, stub.notified, 1)
	assert.Equal(t, "prediction_review", stub.notified[0].Kind)
}

func TestNotifyCommand_ValidationError(t *testing.T) {
	startServer(t)
	_, err := execute(t, `{"attributes": []}`, "notify")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "field kind")
}

func TestContextCommand(t *testing.T) {
	stub := startServer(t)
	out, err := execute(t, "", "context", "risk_assessor", "prediction_review", "-f", "asset=BTC", "-f", "confidence.min=0.6", "--limit", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "1. [L1 asset=BTC S=0.700 n=3] BTC breakouts held")
	assert.Contains(t, out, "- volume confirmed")

	assert.Equal(t, 2, stub.request.Limit)
	require.Len(t, stub.request.Filter, 2)
	assert.Equal(t, "asset", stub.request.Filter[0].Name)
	assert.Equal(t, "confidence", stub.request.Filter[1].Name)
}

func TestContextCommand_NotSubscribed(t *testing.T) {
	startServer(t)
	_, err := execute(t, "", "context", "intruder", "prediction_review")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}

func TestPromotionsCommand(t *testing.T) {
	startServer(t)
	out, err := execute(t, "", "promotions")
	require.NoError(t, err)
	assert.Contains(t, out, "deferred")
	assert.Contains(t, out, "prediction_review/L0/asset/asset=ETH")
	assert.Contains(t, out, "synthesis timed out")
}

func TestHealthCommand(t *testing.T) {
	startServer(t)
	out, err := execute(t, "", "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: ok")
}

func TestContextQuery(t *testing.T) {
	q, err := contextQuery([]string{"asset=BTC", "confidence.max=0.9"}, 5)
	require.NoError(t, err)
	assert.Equal(t, "?asset=BTC&confidence.max=0.9&limit=5", q)

	q, err = contextQuery(nil, 0)
	require.NoError(t, err)
	assert.Empty(t, q)

	_, err = contextQuery([]string{"asset"}, 0)
	assert.ErrorContains(t, err, "name=value")
}
