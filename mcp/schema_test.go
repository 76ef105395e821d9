package mcp_test

import (
	"encoding/json"
	"testing"

	"github.com/MegaGrindStone/carla-mcp/mcp"
)

func TestMustString_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    mcp.MustString
		wantErr bool
	}{
		{
			name:  "string input",
			input: `"test123"`,
			want:  mcp.MustString("test123"),
		},
		{
			name:  "integer input",
			input: `42`,
			want:  mcp.MustString("42"),
		},
		{
			name:  "negative integer input",
			input: `-7`,
			want:  mcp.MustString("-7"),
		},
		{
			name:  "string holding an integer keeps its quotes",
			input: `"7"`,
			want:  mcp.MustString(`"7"`),
		},
		{
			name:  "string starting with a quote",
			input: `"\"x"`,
			want:  mcp.MustString(`"\"x"`),
		},
		{
			name:    "fractional input",
			input:   `42.5`,
			wantErr: true,
		},
		{
			name:    "null input",
			input:   `null`,
			wantErr: true,
		},
		{
			name:    "invalid type",
			input:   `{"key": "value"}`,
			wantErr: true,
		},
		{
			name:    "invalid JSON",
			input:   `invalid`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got mcp.MustString
			err := json.Unmarshal([]byte(tt.input), &got)

			if (err != nil) != tt.wantErr {
				t.Errorf("MustString.UnmarshalJSON() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && got != tt.want {
				t.Errorf("MustString.UnmarshalJSON() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMustString_MarshalJSON(t *testing.T) {
	tests := []struct {
		name  string
		input mcp.MustString
		want  string
	}{
		{name: "string value", input: "test123", want: `"test123"`},
		{name: "integer value", input: "42", want: `42`},
		{name: "negative integer value", input: "-3", want: `-3`},
		{name: "leading zero stays a string", input: "007", want: `"007"`},
		{name: "uuid", input: "5f0c9a7e-1111-4c2a-9c55-0a0a0a0a0a0a", want: `"5f0c9a7e-1111-4c2a-9c55-0a0a0a0a0a0a"`},
		{name: "empty string", input: "", want: `""`},
		{name: "quoted integer token", input: `"7"`, want: `"7"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.input)
			if err != nil {
				t.Fatalf("MustString.MarshalJSON() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("MustString.MarshalJSON() = %v, want %v", string(got), tt.want)
			}
		})
	}
}

func TestJSONRPCMessageEchoesID(t *testing.T) {
	tests := []struct {
		name string
		id   string
	}{
		{name: "number", id: `7`},
		{name: "string holding a number", id: `"7"`},
		{name: "string", id: `"req-7"`},
		{name: "string with quotes", id: `"\"7\""`},
		{name: "negative number", id: `-3`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req mcp.JSONRPCMessage
			raw := `{"jsonrpc":"2.0","id":` + tt.id + `,"method":"tools/list"}`
			if err := json.Unmarshal([]byte(raw), &req); err != nil {
				t.Fatalf("failed to unmarshal request: %v", err)
			}

			res := mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: req.ID, Result: json.RawMessage(`{}`)}
			bs, err := json.Marshal(res)
			if err != nil {
				t.Fatalf("failed to marshal response: %v", err)
			}
			want := `{"jsonrpc":"2.0","id":` + tt.id + `,"result":{}}`
			if string(bs) != want {
				t.Errorf("response = %s, want %s", bs, want)
			}
		})
	}
}

func TestLogLevel_Severity(t *testing.T) {
	tests := []struct {
		level mcp.LogLevel
		want  int
	}{
		{mcp.LogLevelDebug, 0},
		{mcp.LogLevelInfo, 1},
		{mcp.LogLevelNotice, 2},
		{mcp.LogLevelWarning, 3},
		{mcp.LogLevelError, 4},
		{mcp.LogLevelCritical, 5},
		{mcp.LogLevelAlert, 6},
		{mcp.LogLevelEmergency, 7},
		{mcp.LogLevel("verbose"), -1},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			if got := tt.level.Severity(); got != tt.want {
				t.Errorf("LogLevel.Severity() = %d, want %d", got, tt.want)
			}
			if got := tt.level.Valid(); got != (tt.want >= 0) {
				t.Errorf("LogLevel.Valid() = %v", got)
			}
		})
	}
}
