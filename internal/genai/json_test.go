package genai

import "testing"

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		A int    `json:"a"`
		B string `json:"b"`
	}
	tests := []struct {
		name string
		in   string
		want payload
	}{
		{"plain", `{"a": 1, "b": "x"}`, payload{1, "x"}},
		{"fenced", "```json\n{\"a\": 2, \"b\": \"y\"}\n```", payload{2, "y"}},
		{"prose around", "Here you go: {\"a\": 3, \"b\": \"z\"} hope it helps", payload{3, "z"}},
		{"trailing comma", `{"a": 4, "b": "w",}`, payload{4, "w"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got payload
			if err := DecodeJSON(tt.in, &got); err != nil {
				t.Fatalf("DecodeJSON error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecodeJSONNoObject(t *testing.T) {
	var v map[string]any
	if err := DecodeJSON("no json here", &v); err == nil {
		t.Error("expected error when reply has no object")
	}
}
