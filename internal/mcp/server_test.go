package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braidd/internal/clustering"
	"github.com/fyrsmithlabs/braidd/internal/injection"
	"github.com/fyrsmithlabs/braidd/internal/learning"
	"github.com/fyrsmithlabs/braidd/internal/promotion"
	"github.com/fyrsmithlabs/braidd/internal/strand"
	"github.com/fyrsmithlabs/braidd/internal/subscription"
)

type fakeIngester struct {
	got []*strand.Strand
	err error
}

func (f *fakeIngester) NotifyNewRecord(_ context.Context, s *strand.Strand) (*learning.NotifyResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.got = append(f.got, s)
	return &learning.NotifyResult{ID: fmt.Sprintf("strand-%d", len(f.got)), Evaluated: true}, nil
}

type fakeReader struct {
	subs *subscription.Snapshot
	got  injection.Request
}

func (f *fakeReader) GetContext(_ context.Context, req injection.Request) (*injection.Result, error) {
	f.got = req
	if !f.subs.IsSubscribed(req.Consumer, req.Kind) {
		return nil, fmt.Errorf("%w: consumer %q", injection.ErrNotSubscribed, req.Consumer)
	}
	return &injection.Result{
		Consumer: req.Consumer,
		Kind:     req.Kind,
		Lessons: []injection.Lesson{{
			Kind:        req.Kind,
			Dimension:   "asset",
			Bucket:      "asset=BTC",
			Text:        "2 prediction_review records for asset=BTC",
			Members:     2,
			Placeholder: true,
			SourceIDs:   []string{"r1", "r2"},
		}},
	}, nil
}

type fakeStatus struct{ st promotion.Status }

func (f fakeStatus) Status() promotion.Status { return f.st }

const subs = `
consumers:
  risk_assessor:
    - kind: prediction_review
      filter:
        - name: asset
          equals: BTC
  reporter:
    - kind: trade_outcome
`

type harness struct {
	server  *Server
	session *mcp.ClientSession
	ingest  *fakeIngester
	reader  *fakeReader
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	snap, err := subscription.Parse([]byte(subs))
	require.NoError(t, err)

	since := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	status := promotion.Status{
		InFlight: []promotion.Flight{{
			Key:       clustering.Key{Kind: "prediction_review", Dimension: "asset", Bucket: "asset=ETH"},
			MemberIDs: []string{"e1", "e2", "e3"},
			Since:     since,
		}},
		Deferred: []promotion.Deferral{{
			Key:       clustering.Key{Kind: "trade_outcome", Dimension: "desk", Bucket: "desk=fx"},
			MemberIDs: []string{"t1", "t2", "t3"},
			Attempts:  3,
			LastError: "synthesis timed out",
			Since:     since,
		}},
	}

	h := &harness{ingest: &fakeIngester{}, reader: &fakeReader{subs: snap}}
	h.server, err = NewServer(&Config{Name: "braidd-test", Version: "test", Logger: zap.NewNop()}, Deps{
		Ingest:     h.ingest,
		Context:    h.reader,
		Promotions: fakeStatus{st: status},
		Subs:       snap,
		Consumers:  snap.Consumers,
	})
	require.NoError(t, err)

	ctx := context.Background()
	clientT, serverT := mcp.NewInMemoryTransports()
	ss, err := h.server.MCPServer().Connect(ctx, serverT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	h.session, err = client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.session.Close() })
	return h
}

// call invokes a tool and decodes its structured output into out.
func (h *harness) call(t *testing.T, name string, args map[string]any, out any) *mcp.CallToolResult {
	t.Helper()
	res, err := h.session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	if out != nil && !res.IsError {
		raw, err := json.Marshal(res.StructuredContent)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, out))
	}
	return res
}

func toolError(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	_, err := NewServer(nil, Deps{Context: &fakeReader{}})
	assert.ErrorContains(t, err, "ingester")

	_, err = NewServer(nil, Deps{Ingest: &fakeIngester{}})
	assert.ErrorContains(t, err, "context reader")

	s, err := NewServer(nil, Deps{Ingest: &fakeIngester{}, Context: &fakeReader{}})
	require.NoError(t, err)
	names := []string{}
	for _, tool := range s.Tools().List("") {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"context_get", "strand_notify", "tool_search"}, names)
}

func TestListTools(t *testing.T) {
	h := newHarness(t)
	res, err := h.session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"strand_notify", "context_get", "promotion_status", "subscriptions_list", "tool_search",
	}, names)
}

func TestStrandNotify(t *testing.T) {
	h := newHarness(t)

	var out strandNotifyOutput
	res := h.call(t, "strand_notify", map[string]any{
		"kind":          "prediction_review",
		"source_module": "prediction_reviewer",
		"attributes": []map[string]any{
			{"name": "asset", "value": "BTC"},
			{"name": "regime", "type": "enum", "value": "bull"},
			{"name": "confidence", "value": 0.8},
			{"name": "success", "value": true},
		},
		"payload": map[string]any{"note": "called the top"},
	}, &out)
	require.False(t, res.IsError, toolError(res))
	assert.Equal(t, "strand-1", out.ID)
	assert.True(t, out.Evaluated)

	require.Len(t, h.ingest.got, 1)
	got := h.ingest.got[0]
	assert.Equal(t, strand.Attributes{
		{Name: "asset", Value: strand.String("BTC")},
		{Name: "regime", Value: strand.EnumOf("bull")},
		{Name: "confidence", Value: strand.Number(0.8)},
		{Name: "success", Value: strand.Bool(true)},
	}, got.Attributes)
	assert.JSONEq(t, `{"note":"called the top"}`, string(got.Payload))
}

func TestStrandNotify_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]any
		ingest  error
		wantMsg string
	}{
		{
			name: "type mismatch",
			args: map[string]any{
				"kind":       "prediction_review",
				"attributes": []map[string]any{{"name": "confidence", "type": "numeric", "value": "high"}},
			},
			wantMsg: "confidence",
		},
		{
			name: "unknown type",
			args: map[string]any{
				"kind":       "prediction_review",
				"attributes": []map[string]any{{"name": "asset", "type": "vector", "value": "BTC"}},
			},
			wantMsg: "unknown attribute type",
		},
		{
			name:    "store failure",
			args:    map[string]any{"kind": "prediction_review", "attributes": []map[string]any{}},
			ingest:  errors.New("disk full"),
			wantMsg: "disk full",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.ingest.err = tt.ingest
			res := h.call(t, "strand_notify", tt.args, nil)
			assert.True(t, res.IsError)
			assert.Contains(t, toolError(res), tt.wantMsg)
		})
	}
}

func TestContextGet(t *testing.T) {
	h := newHarness(t)

	var out contextGetOutput
	res := h.call(t, "context_get", map[string]any{
		"consumer": "risk_assessor",
		"kind":     "prediction_review",
		"filter":   []map[string]any{{"name": "confidence", "min": 0.5}},
		"limit":    3,
	}, &out)
	require.False(t, res.IsError, toolError(res))

	require.Equal(t, 1, out.Count)
	assert.True(t, out.Lessons[0].Placeholder)
	assert.Equal(t, []string{"r1", "r2"}, out.Lessons[0].SourceIDs)
	assert.NotNil(t, out.Lessons[0].Recommendations, "placeholders encode empty arrays")
	assert.Empty(t, out.Lessons[0].Recommendations)
	assert.NotNil(t, out.Lessons[0].KeyInsights)

	assert.Equal(t, 3, h.reader.got.Limit)
	require.Len(t, h.reader.got.Filter, 1)
	require.NotNil(t, h.reader.got.Filter[0].Min)
	assert.Equal(t, 0.5, *h.reader.got.Filter[0].Min)
}

func TestContextGet_NotSubscribed(t *testing.T) {
	h := newHarness(t)
	res := h.call(t, "context_get", map[string]any{"consumer": "reporter", "kind": "prediction_review"}, nil)
	assert.True(t, res.IsError)
	assert.Contains(t, toolError(res), "not subscribed")
}

func TestPromotionStatus(t *testing.T) {
	h := newHarness(t)

	var all promotionStatusOutput
	res := h.call(t, "promotion_status", map[string]any{}, &all)
	require.False(t, res.IsError, toolError(res))
	require.Len(t, all.InFlight, 1)
	require.Len(t, all.Deferred, 1)
	assert.Equal(t, "asset=ETH", all.InFlight[0].Bucket)
	assert.Equal(t, "2025-08-01T12:00:00Z", all.InFlight[0].Since)
	assert.Equal(t, 3, all.Deferred[0].Attempts)
	assert.Equal(t, "synthesis timed out", all.Deferred[0].LastError)

	var filtered promotionStatusOutput
	h.call(t, "promotion_status", map[string]any{"kind": "trade_outcome"}, &filtered)
	assert.Empty(t, filtered.InFlight)
	assert.Len(t, filtered.Deferred, 1)
}

func TestSubscriptionsList(t *testing.T) {
	h := newHarness(t)

	var out subscriptionsListOutput
	res := h.call(t, "subscriptions_list", map[string]any{}, &out)
	require.False(t, res.IsError, toolError(res))
	assert.Equal(t, []string{"prediction_review", "trade_outcome"}, out.Kinds)
	require.Len(t, out.Subscriptions, 2)
	assert.Equal(t, "reporter", out.Subscriptions[0].Consumer)
	require.Len(t, out.Subscriptions[0].Filters, 1)
	assert.NotNil(t, out.Subscriptions[0].Filters[0], "unfiltered grants encode as an empty filter")
	assert.Empty(t, out.Subscriptions[0].Filters[0])

	var one subscriptionsListOutput
	h.call(t, "subscriptions_list", map[string]any{"consumer": "risk_assessor"}, &one)
	require.Len(t, one.Subscriptions, 1)
	assert.Equal(t, "prediction_review", one.Subscriptions[0].Kind)
	require.Len(t, one.Subscriptions[0].Filters, 1)
	assert.Equal(t, "asset", one.Subscriptions[0].Filters[0][0].Name)
}

func TestToolSearch(t *testing.T) {
	h := newHarness(t)

	var out toolSearchOutput
	res := h.call(t, "tool_search", map[string]any{"query": "context_get"}, &out)
	require.False(t, res.IsError, toolError(res))
	require.NotEmpty(t, out.Results)
	assert.Equal(t, "context_get", out.Results[0].Tool.Name)
	assert.Equal(t, 3, out.Results[0].Score)
	assert.Equal(t, 5, out.Total)

	var byCategory toolSearchOutput
	h.call(t, "tool_search", map[string]any{"query": ".*", "category": "promotion"}, &byCategory)
	require.Len(t, byCategory.Results, 1)
	assert.Equal(t, "promotion_status", byCategory.Results[0].Tool.Name)
}
