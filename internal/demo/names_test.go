package demo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNameFromLead(t *testing.T) {
	t.Parallel()

	const demoID = "abc12345-6789-4def-8123-456789abcdef"

	tests := []struct {
		name string
		lead Lead
		want string
	}{
		{
			name: "snapshot wins over aliases",
			lead: Lead{Fields: map[string]any{"_demo_name": "Checkout Tour", "title": "Other"}},
			want: "Checkout Tour",
		},
		{
			name: "alias demo_name",
			lead: Lead{Fields: map[string]any{"demo_name": "Onboarding"}},
			want: "Onboarding",
		},
		{
			name: "alias demoName",
			lead: Lead{Fields: map[string]any{"demoName": "Billing"}},
			want: "Billing",
		},
		{
			name: "alias product beats title",
			lead: Lead{Fields: map[string]any{"product": "Insights", "title": "CTO"}},
			want: "Insights",
		},
		{
			name: "blank snapshot falls through",
			lead: Lead{Fields: map[string]any{"_demo_name": "  ", "title": "Roadmap"}},
			want: "Roadmap",
		},
		{
			name: "page url slug",
			lead: Lead{PageURL: "https://app.example.com/demos/" + demoID + "/product-analytics-tour"},
			want: "Product Analytics Tour",
		},
		{
			name: "page url skips ids and stop words",
			lead: Lead{PageURL: "https://app.example.com/p/sales_deck/view/" + demoID},
			want: "Sales Deck",
		},
		{
			name: "non string snapshot ignored",
			lead: Lead{Fields: map[string]any{"_demo_name": 42.0}},
			want: "Demo abc12345",
		},
		{
			name: "nothing known",
			lead: Lead{PageURL: "https://app.example.com/demo/" + demoID},
			want: "Demo abc12345",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NameFromLead(tt.lead, demoID))
		})
	}
}

func TestBestNameFromLeadsSkipsPlaceholders(t *testing.T) {
	t.Parallel()

	leads := []Lead{
		{Fields: map[string]any{"_demo_name": "Demo abc12345"}},
		{Fields: map[string]any{"_demo_name": "Real Name"}},
	}
	assert.Equal(t, "Real Name", BestNameFromLeads(leads, "abc12345"))
}

func TestBestNameFromLeadsFallbacks(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Demo short", BestNameFromLeads(nil, "short"))

	leads := []Lead{{}, {Fields: map[string]any{"email": "a@b.co"}}}
	assert.Equal(t, "Demo 01234567", BestNameFromLeads(leads, "0123456789"))
}

func TestFallbackName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Demo 12345678", FallbackName("123456789abc"))
	assert.True(t, IsFallbackName(FallbackName("x")))
	assert.False(t, IsFallbackName("Product Tour"))
}
