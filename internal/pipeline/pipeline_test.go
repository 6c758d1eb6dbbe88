package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safeharbour/harbour/internal/audit"
	"github.com/safeharbour/harbour/internal/names"
	"github.com/safeharbour/harbour/internal/recognize"
)

func janeAndAcme() []names.Span {
	return []names.Span{
		{Text: "Jane", Start: 0, End: 4, Label: "PERSON"},
		{Text: "Acme", Start: 10, End: 14, Label: "ORG"},
	}
}

func TestServeEndToEnd(t *testing.T) {
	p := New(recognize.NewStatic(janeAndAcme()), Options{})

	in := `{"text":"Jane from Acme","known_names":[{"name":"Jane","uin":"42"}]}`
	var out bytes.Buffer
	require.NoError(t, p.Serve(context.Background(), strings.NewReader(in), &out))

	assert.JSONEq(t, `{"entities":[{"text":"Jane","start":0,"end":4,"label":"PERSON","uin":"42"}]}`, out.String())
	assert.Equal(t, 1, strings.Count(out.String(), "\n"))
}

func TestServeUnmatchedIsNull(t *testing.T) {
	p := New(recognize.NewStatic(janeAndAcme()), Options{})

	var out bytes.Buffer
	require.NoError(t, p.Serve(context.Background(), strings.NewReader(`{"text":"Jane from Acme"}`), &out))
	assert.JSONEq(t, `{"entities":[{"text":"Jane","start":0,"end":4,"label":"PERSON","uin":null}]}`, out.String())
}

func TestServeMatchedEntryWithoutUINIsNull(t *testing.T) {
	p := New(recognize.NewStatic(janeAndAcme()), Options{})

	var out bytes.Buffer
	require.NoError(t, p.Serve(context.Background(), strings.NewReader(`{"text":"Jane from Acme","known_names":[{"name":"Jane Roe"}]}`), &out))
	assert.JSONEq(t, `{"entities":[{"text":"Jane","start":0,"end":4,"label":"PERSON","uin":null}]}`, out.String())
}

func TestServeProseResolvesFullName(t *testing.T) {
	p := New(recognize.NewProse([]string{"PER", "PERSON"}), Options{})

	in := `{"text":"Yesterday John Smith met Mary Johnson in London. Zoë Ålund said \"Hi\" to Dr. Ravi Kumar.","known_names":[` +
		`{"name":"Mary Johnson","uin":"U-2"},{"name":"John Smith","uin":"U-1"}]}`
	resp, err := p.Process(context.Background(), strings.NewReader(in))
	require.NoError(t, err)

	byText := map[string][]names.Mention{}
	for _, m := range resp.Entities {
		byText[m.Text] = append(byText[m.Text], m)
	}
	require.Len(t, byText["John Smith"], 1)
	require.NotNil(t, byText["John Smith"][0].UIN)
	assert.Equal(t, "U-1", *byText["John Smith"][0].UIN)
	assert.Empty(t, byText["John"])
	assert.Empty(t, byText["Smith"])
}

func TestServeEmptyEntities(t *testing.T) {
	p := New(recognize.NewStatic(nil), Options{})

	var out bytes.Buffer
	require.NoError(t, p.Serve(context.Background(), strings.NewReader(`{"text":"","known_names":[]}`), &out))
	assert.JSONEq(t, `{"entities":[]}`, out.String())
}

func TestServeMalformedInput(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{name: "not json", in: `hello`},
		{name: "empty", in: ``},
		{name: "array", in: `[1,2]`},
		{name: "null", in: `null`},
		{name: "truncated", in: `{"text": "Jane"`},
		{name: "wrong type", in: `{"text": 5}`},
		{name: "roster not a list", in: `{"text": "Jane", "known_names": {"name": "Jane"}}`},
		{name: "trailing data", in: `{"text": "Jane"} {"text": "Bob"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := New(recognize.NewStatic(janeAndAcme()), Options{})

			var out bytes.Buffer
			err := p.Serve(context.Background(), strings.NewReader(tc.in), &out)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidInput))

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
			assert.True(t, strings.HasPrefix(resp.Error, "Invalid JSON input"), resp.Error)
			assert.NotContains(t, out.String(), "entities")
		})
	}
}

func TestServeRecognizerUnavailable(t *testing.T) {
	failing := recognize.NewFailing(fmt.Errorf("%w: model directory /models/ner not found", recognize.ErrUnavailable))
	p := New(failing, Options{})

	var out bytes.Buffer
	err := p.Serve(context.Background(), strings.NewReader(`{"text":"Jane"}`), &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, recognize.ErrUnavailable))
	assert.Equal(t, audit.OutcomeUnavailable, Classify(err))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Contains(t, resp.Error, "model directory /models/ner not found")
	assert.False(t, strings.HasPrefix(resp.Error, "Processing error"))
}

func TestServeProcessingError(t *testing.T) {
	p := New(recognize.NewFailing(errors.New("tokenizer exploded")), Options{})

	var out bytes.Buffer
	err := p.Serve(context.Background(), strings.NewReader(`{"text":"Jane"}`), &out)
	require.Error(t, err)
	assert.Equal(t, audit.OutcomeError, Classify(err))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "Processing error: tokenizer exploded", resp.Error)
}

func TestRunSuppliedSpansBypassRecognizer(t *testing.T) {
	p := New(recognize.NewFailing(errors.New("must not be called")), Options{})
	one, two := "1", "2"

	resp, err := p.Run(context.Background(), &Request{
		Text:       "Ann met John",
		KnownNames: []names.Identity{{DisplayName: "John Smith", UIN: &one}, {DisplayName: "John Doe", UIN: &two}},
		Spans:      []names.Span{{Text: "John", Start: 8, End: 12, Label: "PERSON"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Entities, 1)
	require.NotNil(t, resp.Entities[0].UIN)
	assert.Equal(t, "1", *resp.Entities[0].UIN)
}

func TestRunRejectsBadSpans(t *testing.T) {
	cases := []struct {
		name string
		span names.Span
	}{
		{name: "negative start", span: names.Span{Text: "x", Start: -1, End: 1, Label: "PERSON"}},
		{name: "empty", span: names.Span{Text: "", Start: 2, End: 2, Label: "PERSON"}},
		{name: "past end", span: names.Span{Text: "Jane", Start: 0, End: 40, Label: "PERSON"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := New(nil, Options{})
			_, err := p.Run(context.Background(), &Request{Text: "Jane", Spans: []names.Span{tc.span}})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidInput))
		})
	}
}

func TestRunLimits(t *testing.T) {
	p := New(recognize.NewStatic(nil), Options{MaxTextChars: 5, MaxKnownNames: 1})

	_, err := p.Run(context.Background(), &Request{Text: "Žofie Nováková"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "text exceeds 5 characters")

	_, err = p.Run(context.Background(), &Request{Text: "Ann", KnownNames: []names.Identity{{}, {}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "known_names exceeds 1 entries")

	// Counted in characters, not bytes.
	_, err = p.Run(context.Background(), &Request{Text: "Žofie"})
	require.NoError(t, err)
}

func TestRunWithoutRecognizer(t *testing.T) {
	p := New(nil, Options{})
	_, err := p.Run(context.Background(), &Request{Text: "Jane"})
	require.Error(t, err)
	assert.Equal(t, "Processing error: no entity recognizer configured", Message(err))
	assert.Equal(t, "none", p.RecognizerName())
}

func TestDecodeMissingFieldsDefault(t *testing.T) {
	req, err := Decode(strings.NewReader(`{"known_names":[{"name":"Jane"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "", req.Text)
	require.Len(t, req.KnownNames, 1)
	assert.Nil(t, req.KnownNames[0].UIN)
	assert.Nil(t, req.Spans)
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "", Message(nil))
	assert.Equal(t, "Invalid JSON input: boom", Message(&InputError{Err: errors.New("boom")}))
	assert.Equal(t, "Processing error: boom", Message(errors.New("boom")))
	wrapped := fmt.Errorf("serve: %w", &ProcessingError{Err: errors.New("inner")})
	assert.Equal(t, "Processing error: inner", Message(wrapped))
}

func TestAuditEventsCarryCountsOnly(t *testing.T) {
	sink := &memorySink{}
	em := audit.NewEmitter(audit.EmitterConfig{QueueSize: 8, Workers: 1, ShutdownTimeout: time.Second}, []audit.Sink{sink})
	p := New(recognize.NewStatic(janeAndAcme()), Options{Emitter: em})

	ctx := audit.WithRequest(context.Background(), audit.RequestInfo{ID: "req-7", Source: audit.SourceCLI})
	var out bytes.Buffer
	require.NoError(t, p.Serve(ctx, strings.NewReader(`{"text":"Jane from Acme","known_names":[{"name":"Jane","uin":"424242"}]}`), &out))
	require.Error(t, p.Serve(ctx, strings.NewReader(`{`), &out))
	em.Close(context.Background())

	events := sink.snapshot()
	require.Len(t, events, 2)

	ok := events[0]
	assert.Equal(t, "req-7", ok.RequestID)
	assert.Equal(t, audit.KindExtract, ok.Kind)
	assert.Equal(t, audit.OutcomeOK, ok.Outcome)
	require.NotNil(t, ok.Extract)
	assert.Equal(t, 2, ok.Extract.Spans)
	assert.Equal(t, 1, ok.Extract.Mentions)
	assert.Equal(t, 1, ok.Extract.Matched)
	assert.Equal(t, 1, ok.Extract.KnownNames)

	raw, err := json.Marshal(ok)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Jane")
	assert.NotContains(t, string(raw), "424242")

	assert.Equal(t, audit.OutcomeInvalidInput, events[1].Outcome)
}

type memorySink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Deliver(_ context.Context, ev *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

func (s *memorySink) Close(context.Context) error { return nil }

func (s *memorySink) snapshot() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Event, len(s.events))
	copy(out, s.events)
	return out
}
