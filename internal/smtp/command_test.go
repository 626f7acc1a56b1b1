package smtp

import (
	"errors"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantVerb string
		wantArg  string
		wantErr  error
	}{
		{"bare verb", "QUIT", "QUIT", "", nil},
		{"lowercase verb", "ehlo client.example.com", "EHLO", "client.example.com", nil},
		{"mixed case", "MaIl FROM:<a@b.c>", "MAIL", "FROM:<a@b.c>", nil},
		{"trailing whitespace", "NOOP  ", "NOOP", "", nil},
		{"argument with spaces", "MAIL FROM:<a@b.c> SIZE=100", "MAIL", "FROM:<a@b.c> SIZE=100", nil},
		{"empty line", "", "", "", ErrEmptyCommand},
		{"whitespace only", "   ", "", "", ErrEmptyCommand},
		{"digit in verb", "MA1L FROM:<a@b.c>", "", "", ErrInvalidVerb},
		{"non-ascii verb", "MAÏL FROM:<a@b.c>", "", "", ErrInvalidVerb},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := ParseCommand(tt.line)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseCommand(%q) error = %v, want %v", tt.line, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCommand(%q) error = %v", tt.line, err)
			}
			if cmd.Verb != tt.wantVerb {
				t.Errorf("Verb = %q, want %q", cmd.Verb, tt.wantVerb)
			}
			if cmd.Arg != tt.wantArg {
				t.Errorf("Arg = %q, want %q", cmd.Arg, tt.wantArg)
			}
		})
	}
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		name       string
		arg        string
		keyword    string
		wantPath   string
		wantParams map[string]string
		wantErr    bool
	}{
		{
			name:     "simple sender",
			arg:      "FROM:<alice@example.com>",
			keyword:  "FROM",
			wantPath: "alice@example.com",
		},
		{
			name:     "null reverse path",
			arg:      "FROM:<>",
			keyword:  "FROM",
			wantPath: "",
		},
		{
			name:     "lowercase keyword",
			arg:      "from:<alice@example.com>",
			keyword:  "FROM",
			wantPath: "alice@example.com",
		},
		{
			name:     "space after colon",
			arg:      "FROM: <alice@example.com>",
			keyword:  "FROM",
			wantPath: "alice@example.com",
		},
		{
			name:       "size and body params",
			arg:        "FROM:<a@b.c> SIZE=1000 BODY=8BITMIME",
			keyword:    "FROM",
			wantPath:   "a@b.c",
			wantParams: map[string]string{"SIZE": "1000", "BODY": "8BITMIME"},
		},
		{
			name:       "bare param",
			arg:        "FROM:<a@b.c> SMTPUTF8",
			keyword:    "FROM",
			wantPath:   "a@b.c",
			wantParams: map[string]string{"SMTPUTF8": ""},
		},
		{
			name:       "lowercase param key uppercased",
			arg:        "FROM:<a@b.c> size=42",
			keyword:    "FROM",
			wantPath:   "a@b.c",
			wantParams: map[string]string{"SIZE": "42"},
		},
		{
			name:     "source route stripped",
			arg:      "TO:<@relay.example:bob@example.com>",
			keyword:  "TO",
			wantPath: "bob@example.com",
		},
		{
			name:    "missing keyword",
			arg:     "<alice@example.com>",
			keyword: "FROM",
			wantErr: true,
		},
		{
			name:    "missing brackets",
			arg:     "FROM:alice@example.com",
			keyword: "FROM",
			wantErr: true,
		},
		{
			name:    "unterminated path",
			arg:     "FROM:<alice@example.com",
			keyword: "FROM",
			wantErr: true,
		},
		{
			name:    "no domain",
			arg:     "TO:<bob>",
			keyword: "TO",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, params, err := ParsePath(tt.arg, tt.keyword)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParsePath(%q) succeeded, want error", tt.arg)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePath(%q) error = %v", tt.arg, err)
			}
			if path != tt.wantPath {
				t.Errorf("path = %q, want %q", path, tt.wantPath)
			}
			if len(params) != len(tt.wantParams) {
				t.Fatalf("params = %v, want %v", params, tt.wantParams)
			}
			for k, v := range tt.wantParams {
				if params[k] != v {
					t.Errorf("params[%q] = %q, want %q", k, params[k], v)
				}
			}
		})
	}
}

func TestParseHeloHostname(t *testing.T) {
	if _, err := ParseHeloHostname(""); err == nil {
		t.Error("empty hostname accepted, want error")
	}
	if _, err := ParseHeloHostname("a b"); err == nil {
		t.Error("hostname with whitespace accepted, want error")
	}

	got, err := ParseHeloHostname(" client.example.com ")
	if err != nil {
		t.Fatalf("ParseHeloHostname() error = %v", err)
	}
	if got != "client.example.com" {
		t.Errorf("hostname = %q, want trimmed value", got)
	}

	if _, err := ParseHeloHostname("[192.0.2.1]"); err != nil {
		t.Errorf("address literal rejected: %v", err)
	}
}

func TestReplyString(t *testing.T) {
	tests := []struct {
		name  string
		reply Reply
		want  string
	}{
		{
			name:  "single line",
			reply: NewReply(CodeOK, "OK"),
			want:  "250 OK\r\n",
		},
		{
			name:  "multi line",
			reply: NewMultiReply(CodeOK, "srv.test", "PIPELINING", "HELP"),
			want:  "250-srv.test\r\n250-PIPELINING\r\n250 HELP\r\n",
		},
		{
			name:  "bare code",
			reply: Reply{Code: 221},
			want:  "221\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.reply.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReplyPredicates(t *testing.T) {
	tests := []struct {
		code      int
		success   bool
		isErr     bool
		transient bool
	}{
		{250, true, false, false},
		{354, true, false, false},
		{421, false, true, true},
		{450, false, true, true},
		{550, false, true, false},
	}

	for _, tt := range tests {
		r := Reply{Code: tt.code}
		if r.IsSuccess() != tt.success {
			t.Errorf("IsSuccess(%d) = %v, want %v", tt.code, r.IsSuccess(), tt.success)
		}
		if r.IsError() != tt.isErr {
			t.Errorf("IsError(%d) = %v, want %v", tt.code, r.IsError(), tt.isErr)
		}
		if r.IsTransient() != tt.transient {
			t.Errorf("IsTransient(%d) = %v, want %v", tt.code, r.IsTransient(), tt.transient)
		}
	}
}
