package refiner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aixgo-dev/finrag/internal/conversation"
	"github.com/aixgo-dev/finrag/internal/llm/provider"
	"github.com/aixgo-dev/finrag/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefine_ExtractsFilter(t *testing.T) {
	p := testutil.NewMockProvider("")
	p.SetStructured(`{"filter":{"company":"AAPL","category":"risks"},"refined_query":"What are Apple's main risk factors?"}`)

	r := New(p, "gemini-1.5-flash")
	res := r.Refine(context.Background(), "What are Apple's risks?", nil)

	require.False(t, res.Fallback)
	require.NoError(t, res.Err)
	require.NotNil(t, res.Query.Filter.Company)
	require.NotNil(t, res.Query.Filter.Category)
	assert.Equal(t, conversation.CompanyApple, *res.Query.Filter.Company)
	assert.Equal(t, conversation.CategoryRisks, *res.Query.Filter.Category)
	assert.Equal(t, "What are Apple's main risk factors?", res.Query.RefinedQuery)
}

func TestRefine_Request(t *testing.T) {
	p := testutil.NewMockProvider("")
	var got provider.StructuredRequest
	p.StructuredFunc = func(_ context.Context, req provider.StructuredRequest) (json.RawMessage, error) {
		got = req
		return json.RawMessage(`{"filter":{"company":null,"category":null},"refined_query":"q"}`), nil
	}

	New(p, "gemini-1.5-flash").Refine(context.Background(), "What are the risks?", nil)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Contains(t, got.Messages[0].Content, "query analysis for a financial RAG system")
	assert.Equal(t, "Conversation Context:\nThis is the first question from the user.\n\nUser Query: What are the risks?", got.Messages[1].Content)
	assert.Equal(t, "gemini-1.5-flash", got.Model)
	assert.Zero(t, got.Temperature)
	assert.True(t, got.StrictSchema)
	assert.Equal(t, "refined_query", got.SchemaName)
	assert.JSONEq(t, Schema, string(got.ResponseSchema))
}

func TestRefine_NormalizesCase(t *testing.T) {
	p := testutil.NewMockProvider("")
	p.SetStructured(`{"filter":{"company":"msft","category":"MANAGEMENT_DIS"},"refined_query":"Microsoft MD&A"}`)

	res := New(p, "m").Refine(context.Background(), "microsoft md&a", nil)

	require.False(t, res.Fallback)
	assert.Equal(t, conversation.CompanyMicrosoft, *res.Query.Filter.Company)
	assert.Equal(t, conversation.CategoryManagementDis, *res.Query.Filter.Category)
}

func TestRefine_EmptyRefinedQueryKeepsFilter(t *testing.T) {
	p := testutil.NewMockProvider("")
	p.SetStructured(`{"filter":{"company":"GOOG","category":null},"refined_query":"  "}`)

	res := New(p, "m").Refine(context.Background(), "google?", nil)

	assert.False(t, res.Fallback)
	assert.Equal(t, "google?", res.Query.RefinedQuery)
	require.NotNil(t, res.Query.Filter.Company)
	assert.Equal(t, conversation.CompanyGoogle, *res.Query.Filter.Company)
	assert.Nil(t, res.Query.Filter.Category)
}

func TestRefine_Fallbacks(t *testing.T) {
	tests := []struct {
		name  string
		setup func(p *testutil.MockProvider)
	}{
		{
			name:  "model error",
			setup: func(p *testutil.MockProvider) { p.SetError(errors.New("quota")) },
		},
		{
			name:  "invalid json",
			setup: func(p *testutil.MockProvider) { p.SetStructured(`{"filter":`) },
		},
		{
			name:  "unknown company",
			setup: func(p *testutil.MockProvider) { p.SetStructured(`{"filter":{"company":"TSLA","category":null},"refined_query":"Tesla"}`) },
		},
		{
			name:  "unknown category",
			setup: func(p *testutil.MockProvider) { p.SetStructured(`{"filter":{"company":null,"category":"cash"},"refined_query":"cash"}`) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testutil.NewMockProvider("")
			tt.setup(p)

			res := New(p, "m").Refine(context.Background(), "What about Tesla?", nil)

			assert.True(t, res.Fallback)
			assert.Error(t, res.Err)
			assert.True(t, res.Query.Filter.IsEmpty())
			assert.Equal(t, "What about Tesla?", res.Query.RefinedQuery)
		})
	}
}

func TestRefine_EmptyInput(t *testing.T) {
	p := testutil.NewMockProvider("")
	res := New(p, "m").Refine(context.Background(), "   ", nil)

	assert.True(t, res.Fallback)
	assert.ErrorIs(t, res.Err, ErrEmptyQuery)
	assert.Zero(t, p.StructuredCalls())
}

func TestRenderContext(t *testing.T) {
	assert.Equal(t, FirstTurnContext, RenderContext(nil))

	s := conversation.New("t1")
	now := time.Now()
	s.Append(conversation.RoleUser, "What are Apple's risks?", now)
	s.Append(conversation.RoleAssistant, "Supply chain concentration.", now)
	s.Append(conversation.RoleUser, "And Microsoft?", now)
	s.Append(conversation.RoleAssistant, "Cloud competition.", now)
	s.Append(conversation.RoleUser, "Compare them", now)

	got := RenderContext(s.PriorTurns(ContextTurns))
	assert.Equal(t, "User: And Microsoft?\nAssistant: Cloud competition.", got)

	// Longer input is trimmed to the most recent turns.
	got = RenderContext(s.Turns[:4])
	assert.Equal(t, 2, strings.Count(got, "\n")+1)
	assert.True(t, strings.HasPrefix(got, "User: And Microsoft?"))
}
