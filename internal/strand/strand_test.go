package strand

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStrand_Valid(t *testing.T) {
	s, err := NewStrand("prediction_review", "reviewer", Attributes{
		{Name: "asset", Value: String("BTC")},
		{Name: "strength", Value: Number(0.8)},
	}, json.RawMessage(`{"note":"ok"}`))
	require.NoError(t, err)

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, 0, s.Level)
	assert.False(t, s.IsBraid())
	assert.False(t, s.CreatedAt.IsZero())
}

func TestNewStrand_ValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		kind  string
		attrs Attributes
		field string
	}{
		{"empty kind", "", nil, "kind"},
		{"duplicate attribute", "k", Attributes{{Name: "a", Value: String("x")}, {Name: "a", Value: String("y")}}, "a"},
		{"non-finite number", "k", Attributes{{Name: "n", Value: Number(math.NaN())}}, "n"},
		{"unknown type", "k", Attributes{{Name: "n", Value: Value{Type: "blob"}}}, "n"},
		{"empty name", "k", Attributes{{Name: "", Value: String("x")}}, "attributes[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStrand(tt.kind, "m", tt.attrs, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidStrand))

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestStrand_InvalidPayload(t *testing.T) {
	_, err := NewStrand("k", "m", nil, json.RawMessage(`{not json`))
	assert.ErrorIs(t, err, ErrInvalidStrand)
}

func TestStrand_BraidRequiresSources(t *testing.T) {
	s := &Strand{ID: "b1", Kind: "k", Level: 1}
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source_ids")
}

func TestStrand_ConsumeIsPerPair(t *testing.T) {
	s := &Strand{ID: "a", Kind: "k"}

	assert.True(t, s.Consume("asset", 1))
	assert.False(t, s.Consume("asset", 1), "same pair must not be added twice")
	assert.True(t, s.Consume("strength", 1))
	assert.True(t, s.Consume("asset", 2))

	assert.True(t, s.IsConsumed("asset", 1))
	assert.False(t, s.IsConsumed("timeframe", 1))
	assert.Len(t, s.ConsumedBy, 3)
}

func TestStrand_CloneIsDeep(t *testing.T) {
	s := &Strand{
		ID:         "a",
		Kind:       "k",
		Attributes: Attributes{{Name: "asset", Value: String("BTC")}},
		Scores:     ScoreCard{"asset": {S: 0.7}},
	}
	c := s.Clone()
	c.Attributes[0].Value = String("ETH")
	c.Scores["asset"] = Scores{S: 0.1}
	c.Consume("asset", 1)

	v, _ := s.Attributes.Get("asset")
	assert.Equal(t, "BTC", v.Str)
	assert.Equal(t, 0.7, s.Scores["asset"].S)
	assert.Empty(t, s.ConsumedBy)
}

func TestScoreCard_Best(t *testing.T) {
	_, ok := ScoreCard{}.Best()
	assert.False(t, ok)

	card := ScoreCard{
		"a": {S: 0.5, Theta: 0.2},
		"b": {S: 0.7, Theta: 0.1},
		"c": {S: 0.7, Theta: 0.3, Degraded: true},
	}
	best, ok := card.Best()
	require.True(t, ok)
	assert.Equal(t, 0.3, best.Theta)
	assert.True(t, card.Degraded())

	s := &Strand{}
	s.SetScores(card)
	assert.True(t, s.ScoreDegraded)
}

func TestValue_JSONRoundTrip(t *testing.T) {
	attrs := Attributes{
		{Name: "asset", Value: String("BTC")},
		{Name: "side", Value: EnumOf("long")},
		{Name: "strength", Value: Number(0.25)},
		{Name: "success", Value: Bool(true)},
	}
	data, err := json.Marshal(attrs)
	require.NoError(t, err)
	assert.Contains(t, string(data), `{"name":"strength","value":{"type":"numeric","value":0.25}}`)

	var back Attributes
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, attrs, back)
}

func TestValue_UnmarshalUnknownType(t *testing.T) {
	var v Value
	err := json.Unmarshal([]byte(`{"type":"blob","value":1}`), &v)
	assert.Error(t, err)
}

func TestValue_Key(t *testing.T) {
	assert.Equal(t, "1", Number(1.0).Key())
	assert.Equal(t, "0.5", Number(0.5).Key())
	assert.Equal(t, "true", Bool(true).Key())
	assert.Equal(t, "BTC", String("BTC").Key())
	assert.False(t, String("1").Equal(Number(1)))
}

func TestCommon(t *testing.T) {
	a := Attributes{{Name: "asset", Value: String("BTC")}, {Name: "tf", Value: String("1h")}, {Name: "n", Value: Number(1)}}
	b := Attributes{{Name: "tf", Value: String("1h")}, {Name: "asset", Value: String("BTC")}, {Name: "n", Value: Number(2)}}

	common := Common(a, b)
	require.Len(t, common, 2)
	assert.Equal(t, "asset", common[0].Name)
	assert.Equal(t, "tf", common[1].Name)
	assert.Nil(t, Common())
}

func TestNewBraid(t *testing.T) {
	now := time.Now()
	members := []*Strand{
		{ID: "a", Kind: "k", Level: 0, CreatedAt: now, Attributes: Attributes{{Name: "asset", Value: String("BTC")}, {Name: "n", Value: Number(1)}}},
		{ID: "b", Kind: "k", Level: 0, CreatedAt: now, Attributes: Attributes{{Name: "asset", Value: String("BTC")}, {Name: "n", Value: Number(2)}}},
	}
	b, err := NewBraid(members, "asset", "asset=BTC")
	require.NoError(t, err)

	assert.Equal(t, 1, b.Level)
	assert.Equal(t, "k", b.Kind)
	assert.Equal(t, []string{"a", "b"}, b.SourceIDs)
	assert.Equal(t, BraidSourceModule, b.SourceModule)
	require.Len(t, b.Attributes, 1)
	assert.Equal(t, "asset", b.Attributes[0].Name)

	b.Lesson = "BTC reviews succeed"
	assert.NoError(t, b.Validate())

	_, err = NewBraid(nil, "asset", "")
	assert.ErrorIs(t, err, ErrInvalidStrand)

	members[1].Level = 1
	_, err = NewBraid(members, "asset", "")
	assert.ErrorIs(t, err, ErrInvalidStrand)
}

func TestOrder(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	members := []*Strand{
		{ID: "c", CreatedAt: base.Add(time.Minute)},
		{ID: "b", CreatedAt: base},
		{ID: "a", CreatedAt: base},
	}
	Order(members)
	assert.Equal(t, []string{"a", "b", "c"}, IDs(members))
}

func TestFilter_Matches(t *testing.T) {
	attrs := Attributes{
		{Name: "asset", Value: String("BTC")},
		{Name: "strength", Value: Number(0.6)},
	}
	lo, hi := 0.5, 0.7
	tooHigh := 0.65

	assert.True(t, Filter{}.Matches(attrs))
	assert.True(t, Filter{Eq("asset", "BTC")}.Matches(attrs))
	assert.False(t, Filter{Eq("asset", "ETH")}.Matches(attrs))
	assert.False(t, Filter{Eq("missing", "x")}.Matches(attrs))
	assert.True(t, Filter{Between("strength", &lo, &hi)}.Matches(attrs))
	assert.False(t, Filter{Between("strength", &tooHigh, nil)}.Matches(attrs))
	assert.False(t, Filter{Between("asset", &lo, nil)}.Matches(attrs), "range on non-numeric never matches")
	assert.Equal(t, "asset=BTC;strength>=0.5,strength<=0.7", Filter{Eq("asset", "BTC"), Between("strength", &lo, &hi)}.String())

	assert.False(t, AnyOf{}.Matches(attrs))
	assert.True(t, AnyOf{{Eq("asset", "ETH")}, {Eq("asset", "BTC")}}.Matches(attrs))
}

func TestSchemas_Validate(t *testing.T) {
	schemas := Schemas{
		"prediction_review": {
			Kind: "prediction_review",
			Attributes: map[string]AttrSpec{
				"asset":   {Type: TypeCategorical, Required: true},
				"side":    {Type: TypeEnum, Values: []string{"long", "short"}},
				"success": {Type: TypeBoolean},
			},
		},
	}

	ok := &Strand{ID: "1", Kind: "prediction_review", Attributes: Attributes{
		{Name: "asset", Value: String("BTC")},
		{Name: "side", Value: EnumOf("long")},
	}}
	assert.NoError(t, schemas.Validate(ok))

	missing := &Strand{ID: "2", Kind: "prediction_review"}
	assert.ErrorIs(t, schemas.Validate(missing), ErrInvalidStrand)

	badEnum := ok.Clone()
	badEnum.Attributes = badEnum.Attributes.Set("side", EnumOf("flat"))
	assert.ErrorIs(t, schemas.Validate(badEnum), ErrInvalidStrand)

	wrongType := ok.Clone()
	wrongType.Attributes = wrongType.Attributes.Set("success", String("yes"))
	assert.ErrorIs(t, schemas.Validate(wrongType), ErrInvalidStrand)

	unknownKind := &Strand{ID: "3", Kind: "other"}
	assert.NoError(t, schemas.Validate(unknownKind))
}

func TestStrand_RankScores(t *testing.T) {
	s := &Strand{Scores: ScoreCard{"asset": {S: 0.4}}}
	assert.Equal(t, 0.4, s.RankScores().S)

	s.OriginScores = &Scores{S: 0.9}
	assert.Equal(t, 0.9, s.RankScores().S)

	c := s.Clone()
	c.OriginScores.S = 0.1
	assert.Equal(t, 0.9, s.OriginScores.S)
}
