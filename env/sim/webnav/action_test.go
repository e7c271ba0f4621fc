package webnav

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		raw  string
		want Action
	}{
		{"click [12]", Action{Type: ActionClick, ID: 12}},
		{"type [3] [gaming laptop]", Action{Type: ActionTypeText, ID: 3, Text: "gaming laptop"}},
		{"goto [http://shop/cart]", Action{Type: ActionGoto, URL: "http://shop/cart"}},
		{"go_back", Action{Type: ActionGoBack}},
		{"scroll [down]", Action{Type: ActionScroll, Text: "down"}},
		{"stop [$12.99]", Action{Type: ActionStop, Answer: "$12.99"}},
		{"stop", Action{Type: ActionStop}},
		{"Let me open the cart.\nIn summary, the next action I will perform is ```click [7]```", Action{Type: ActionClick, ID: 7}},
		{"I think so.\nclick [4]\n", Action{Type: ActionClick, ID: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseAction(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseAction_Errors(t *testing.T) {
	for _, raw := range []string{"", "hover [1]", "click", "click [abc]", "type [1]", "goto []"} {
		_, err := ParseAction(raw)
		assert.Error(t, err, raw)
	}
}

func TestEval_Score(t *testing.T) {
	exact := Eval{ReferenceAnswer: "Blue  Widget"}
	assert.Equal(t, 1.0, exact.Score("blue widget", ""))
	assert.Equal(t, 0.0, exact.Score("blue widget pro", ""))

	contains := Eval{ReferenceAnswer: "12.99", Match: "contains"}
	assert.Equal(t, 1.0, contains.Score("It costs $12.99", ""))

	url := Eval{ReferenceURL: "http://shop/cart/"}
	assert.Equal(t, 1.0, url.Score("", "http://shop/cart"))
	assert.Equal(t, 0.0, url.Score("", "http://shop/"))

	both := Eval{ReferenceAnswer: "3", ReferenceURL: "http://shop/cart"}
	assert.Equal(t, 0.0, both.Score("3", "http://shop/"))
	assert.Equal(t, 1.0, both.Score("3", "http://shop/cart"))
}
