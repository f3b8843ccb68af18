package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/braidd/internal/clustering"
	"github.com/fyrsmithlabs/braidd/internal/injection"
	"github.com/fyrsmithlabs/braidd/internal/strand"
)

func (s *Server) registerTools() {
	s.registerIngestTools()
	s.registerContextTools()
	if s.promotions != nil {
		s.registerPromotionTools()
	}
	if s.subs != nil {
		s.registerSubscriptionTools()
	}
	s.registerSearchTools()
}

// addTool registers a tool with the SDK and the discovery registry, and
// wraps its handler with invocation metrics.
func addTool[In, Out any](s *Server, meta *ToolMetadata, h func(ctx context.Context, args In) (Out, string, error)) {
	s.toolRegistry.Register(meta)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        meta.Name,
		Description: meta.Description,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
		done := s.metrics.Track(ctx, meta.Name)
		out, text, err := h(ctx, args)
		done(err)
		if err != nil {
			var zero Out
			return nil, zero, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, out, nil
	})
}

// ===== INGEST =====

type attributeInput struct {
	Name  string `json:"name" jsonschema:"Attribute name"`
	Type  string `json:"type,omitempty" jsonschema:"categorical, enum, numeric or boolean. Inferred from the value when empty."`
	Value any    `json:"value" jsonschema:"String, number or boolean value"`
}

type strandNotifyInput struct {
	Kind         string           `json:"kind" jsonschema:"Strand kind, e.g. prediction_review"`
	Attributes   []attributeInput `json:"attributes" jsonschema:"Clustering attributes"`
	Payload      any              `json:"payload,omitempty" jsonschema:"Opaque kind-specific content"`
	SourceModule string           `json:"source_module,omitempty" jsonschema:"Module that produced the record"`
}

type strandNotifyOutput struct {
	ID        string `json:"id" jsonschema:"Assigned strand ID"`
	Evaluated bool   `json:"evaluated" jsonschema:"True when the kind has subscribers and was re-evaluated"`
}

func (s *Server) registerIngestTools() {
	addTool(s, &ToolMetadata{
		Name:        "strand_notify",
		Description: "Record a new level-0 strand and re-evaluate its kind for promotion",
		Category:    CategoryIngest,
		Keywords:    []string{"record", "ingest", "notify", "outcome"},
	}, func(ctx context.Context, args strandNotifyInput) (strandNotifyOutput, string, error) {
		rec, err := args.toStrand()
		if err != nil {
			return strandNotifyOutput{}, "", err
		}
		res, err := s.ingest.NotifyNewRecord(ctx, rec)
		if err != nil {
			return strandNotifyOutput{}, "", fmt.Errorf("notify failed: %w", err)
		}
		return strandNotifyOutput{ID: res.ID, Evaluated: res.Evaluated},
			fmt.Sprintf("Strand recorded: %s", res.ID), nil
	})
}

func (in strandNotifyInput) toStrand() (*strand.Strand, error) {
	rec := &strand.Strand{Kind: in.Kind, SourceModule: in.SourceModule}
	for _, a := range in.Attributes {
		v, err := toValue(a)
		if err != nil {
			return nil, err
		}
		rec.Attributes = append(rec.Attributes, strand.Attribute{Name: a.Name, Value: v})
	}
	if in.Payload != nil {
		raw, err := json.Marshal(in.Payload)
		if err != nil {
			return nil, &strand.ValidationError{Field: "payload", Reason: err.Error()}
		}
		rec.Payload = raw
	}
	return rec, nil
}

func toValue(a attributeInput) (strand.Value, error) {
	bad := func(want string) (strand.Value, error) {
		return strand.Value{}, &strand.ValidationError{
			Field:  a.Name,
			Reason: fmt.Sprintf("expected %s value, got %T", want, a.Value),
		}
	}
	switch strand.AttrType(a.Type) {
	case "":
		switch v := a.Value.(type) {
		case string:
			return strand.String(v), nil
		case float64:
			return strand.Number(v), nil
		case bool:
			return strand.Bool(v), nil
		}
		return bad("string, number or boolean")
	case strand.TypeCategorical, strand.TypeEnum:
		v, ok := a.Value.(string)
		if !ok {
			return bad("string")
		}
		if a.Type == string(strand.TypeEnum) {
			return strand.EnumOf(v), nil
		}
		return strand.String(v), nil
	case strand.TypeNumeric:
		v, ok := a.Value.(float64)
		if !ok {
			return bad("numeric")
		}
		return strand.Number(v), nil
	case strand.TypeBoolean:
		v, ok := a.Value.(bool)
		if !ok {
			return bad("boolean")
		}
		return strand.Bool(v), nil
	}
	return strand.Value{}, &strand.ValidationError{Field: a.Name, Reason: fmt.Sprintf("unknown attribute type %q", a.Type)}
}

// ===== CONTEXT =====

type conditionInput struct {
	Name   string   `json:"name" jsonschema:"Attribute name"`
	Equals *string  `json:"equals,omitempty" jsonschema:"Exact value"`
	Min    *float64 `json:"min,omitempty" jsonschema:"Inclusive numeric lower bound"`
	Max    *float64 `json:"max,omitempty" jsonschema:"Inclusive numeric upper bound"`
}

type contextGetInput struct {
	Consumer string           `json:"consumer" jsonschema:"Subscribed consumer name"`
	Kind     string           `json:"kind" jsonschema:"Strand kind to read lessons for"`
	Filter   []conditionInput `json:"filter,omitempty" jsonschema:"Attribute conditions, all must match"`
	Limit    int              `json:"limit,omitempty" jsonschema:"Maximum lessons to return (0 for all)"`
}

type lessonOutput struct {
	ID              string        `json:"id,omitempty"`
	Level           int           `json:"level"`
	Dimension       string        `json:"dimension"`
	Bucket          string        `json:"bucket"`
	Lesson          string        `json:"lesson"`
	KeyInsights     []string      `json:"key_insights"`
	Recommendations []string      `json:"recommendations"`
	Scores          strand.Scores `json:"scores"`
	Members         int           `json:"members"`
	Placeholder     bool          `json:"placeholder"`
	SourceIDs       []string      `json:"source_ids,omitempty"`
}

type contextGetOutput struct {
	Consumer string         `json:"consumer"`
	Kind     string         `json:"kind"`
	Lessons  []lessonOutput `json:"lessons"`
	Count    int            `json:"count"`
}

func (s *Server) registerContextTools() {
	addTool(s, &ToolMetadata{
		Name:        "context_get",
		Description: "Read ranked lessons for a subscribed consumer and kind",
		Category:    CategoryContext,
		Keywords:    []string{"lessons", "braids", "inject", "read"},
	}, func(ctx context.Context, args contextGetInput) (contextGetOutput, string, error) {
		if args.Limit < 0 {
			return contextGetOutput{}, "", &strand.ValidationError{Field: "limit", Reason: "limit must not be negative"}
		}
		req := injection.Request{Consumer: args.Consumer, Kind: args.Kind, Limit: args.Limit}
		for _, c := range args.Filter {
			req.Filter = append(req.Filter, strand.Condition{Name: c.Name, Equals: c.Equals, Min: c.Min, Max: c.Max})
		}

		res, err := s.context.GetContext(ctx, req)
		if err != nil {
			return contextGetOutput{}, "", err
		}
		out := contextGetOutput{Consumer: res.Consumer, Kind: res.Kind, Lessons: []lessonOutput{}}
		for _, l := range res.Lessons {
			out.Lessons = append(out.Lessons, lessonOutput{
				ID:              l.ID,
				Level:           l.Level,
				Dimension:       l.Dimension,
				Bucket:          l.Bucket,
				Lesson:          l.Text,
				KeyInsights:     orEmpty(l.KeyInsights),
				Recommendations: orEmpty(l.Recommendations),
				Scores:          l.Scores,
				Members:         l.Members,
				Placeholder:     l.Placeholder,
				SourceIDs:       l.SourceIDs,
			})
		}
		out.Count = len(out.Lessons)
		return out, fmt.Sprintf("%d lessons for %s/%s", out.Count, out.Consumer, out.Kind), nil
	})
}

// ===== PROMOTION =====

type promotionStatusInput struct {
	Kind string `json:"kind,omitempty" jsonschema:"Only report this kind"`
}

type promotionOutput struct {
	Kind      string   `json:"kind"`
	Level     int      `json:"level"`
	Dimension string   `json:"dimension"`
	Bucket    string   `json:"bucket"`
	MemberIDs []string `json:"member_ids"`
	Since     string   `json:"since"`
	Attempts  int      `json:"attempts,omitempty"`
	LastError string   `json:"last_error,omitempty"`
}

type promotionStatusOutput struct {
	InFlight []promotionOutput `json:"in_flight"`
	Deferred []promotionOutput `json:"deferred"`
}

func (s *Server) registerPromotionTools() {
	addTool(s, &ToolMetadata{
		Name:        "promotion_status",
		Description: "List promotions waiting on synthesis and promotions deferred after failures",
		Category:    CategoryPromotion,
		Keywords:    []string{"in flight", "deferred", "retry", "synthesis"},
	}, func(_ context.Context, args promotionStatusInput) (promotionStatusOutput, string, error) {
		st := s.promotions.Status()
		out := promotionStatusOutput{InFlight: []promotionOutput{}, Deferred: []promotionOutput{}}
		for _, f := range st.InFlight {
			if args.Kind == "" || f.Key.Kind == args.Kind {
				out.InFlight = append(out.InFlight, promotionFor(f.Key, f.MemberIDs, f.Since))
			}
		}
		for _, d := range st.Deferred {
			if args.Kind == "" || d.Key.Kind == args.Kind {
				p := promotionFor(d.Key, d.MemberIDs, d.Since)
				p.Attempts = d.Attempts
				p.LastError = d.LastError
				out.Deferred = append(out.Deferred, p)
			}
		}
		return out, fmt.Sprintf("%d in flight, %d deferred", len(out.InFlight), len(out.Deferred)), nil
	})
}

func promotionFor(key clustering.Key, members []string, since time.Time) promotionOutput {
	return promotionOutput{
		Kind:      key.Kind,
		Level:     key.Level,
		Dimension: key.Dimension,
		Bucket:    key.Bucket,
		MemberIDs: orEmpty(members),
		Since:     since.UTC().Format(time.RFC3339),
	}
}

// ===== SUBSCRIPTIONS =====

type subscriptionsListInput struct {
	Consumer string `json:"consumer,omitempty" jsonschema:"Only report this consumer"`
}

type subscriptionOutput struct {
	Consumer string          `json:"consumer"`
	Kind     string          `json:"kind"`
	Filters  []strand.Filter `json:"filters"`
}

type subscriptionsListOutput struct {
	Kinds         []string             `json:"kinds"`
	Subscriptions []subscriptionOutput `json:"subscriptions"`
}

func (s *Server) registerSubscriptionTools() {
	addTool(s, &ToolMetadata{
		Name:        "subscriptions_list",
		Description: "List learned kinds and which consumers may read them",
		Category:    CategorySubscription,
		Keywords:    []string{"consumer", "entitlement", "kinds"},
	}, func(_ context.Context, args subscriptionsListInput) (subscriptionsListOutput, string, error) {
		out := subscriptionsListOutput{Kinds: orEmpty(s.subs.Kinds()), Subscriptions: []subscriptionOutput{}}
		var consumers []string
		if s.consumers != nil {
			consumers = s.consumers()
		}
		if args.Consumer != "" {
			consumers = []string{args.Consumer}
		}
		for _, consumer := range consumers {
			for _, kind := range out.Kinds {
				anyOf, ok := s.subs.Entitlement(consumer, kind)
				if !ok {
					continue
				}
				filters := make([]strand.Filter, 0, len(anyOf))
				for _, f := range anyOf {
					filters = append(filters, orEmpty(f))
				}
				out.Subscriptions = append(out.Subscriptions, subscriptionOutput{Consumer: consumer, Kind: kind, Filters: filters})
			}
		}
		return out, fmt.Sprintf("%d kinds, %d subscriptions", len(out.Kinds), len(out.Subscriptions)), nil
	})
}

// ===== DISCOVERY =====

type toolSearchInput struct {
	Query    string `json:"query" jsonschema:"Substring or regular expression matched against tool names, descriptions and keywords"`
	Category string `json:"category,omitempty" jsonschema:"Restrict to one category (ingest, context, promotion, subscription, search)"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum results (default: 5)"`
}

type toolSearchOutput struct {
	Query   string          `json:"query"`
	Results []*SearchResult `json:"results"`
	Count   int             `json:"count"`
	Total   int             `json:"total_tools"`
}

func (s *Server) registerSearchTools() {
	addTool(s, &ToolMetadata{
		Name:        "tool_search",
		Description: "Find braidd tools by name, description or keyword",
		Category:    CategorySearch,
		Keywords:    []string{"discover", "find", "help"},
	}, func(_ context.Context, args toolSearchInput) (toolSearchOutput, string, error) {
		limit := args.Limit
		if limit <= 0 {
			limit = 5
		}
		results := []*SearchResult{}
		for _, r := range s.toolRegistry.Search(args.Query) {
			if args.Category != "" && r.Tool.Category != ToolCategory(args.Category) {
				continue
			}
			results = append(results, r)
		}
		if len(results) > limit {
			results = results[:limit]
		}
		return toolSearchOutput{
			Query:   args.Query,
			Results: results,
			Count:   len(results),
			Total:   s.toolRegistry.Count(),
		}, fmt.Sprintf("%d tools match %q", len(results), args.Query), nil
	})
}

// orEmpty keeps nil slices from encoding as null, which output schemas
// reject for array fields.
func orEmpty[S ~[]E, E any](xs S) S {
	if xs == nil {
		return S{}
	}
	return xs
}
