package core

import (
	"testing"
)

func TestExtractCredentials(t *testing.T) {
	tgt := testTarget()
	tgt.CaptureFields = []string{"user", "pass", "otp"}

	tests := []struct {
		name   string
		fields map[string]string
		want   map[string]string
	}{
		{
			"username and password",
			map[string]string{"username": "admin", "password": "hunter2", "csrf": "tok"},
			map[string]string{"username": "admin", "password": "hunter2"},
		},
		{
			"case insensitive match",
			map[string]string{"UserName": "admin", "PassWord": "x"},
			map[string]string{"UserName": "admin", "PassWord": "x"},
		},
		{
			"substring match",
			map[string]string{"login_user_field": "a", "otp_code": "123456"},
			map[string]string{"login_user_field": "a", "otp_code": "123456"},
		},
		{
			"empty values skipped",
			map[string]string{"username": "", "password": "x"},
			map[string]string{"password": "x"},
		},
		{
			"no matches",
			map[string]string{"csrf": "tok", "lang": "en"},
			map[string]string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractCredentials(tt.fields, tgt)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("field %s: got %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestExtractCredentialsDefaultFields(t *testing.T) {
	tgt, err := NewTarget(&Target{TargetHost: "login.acme.com"})
	if err != nil {
		t.Fatal(err)
	}
	got := ExtractCredentials(map[string]string{"email": "a@b.c", "pin": "0000"}, tgt)
	if got["email"] != "a@b.c" || got["pin"] != "0000" {
		t.Errorf("default capture fields not applied: %v", got)
	}
}

func TestParseFormBody(t *testing.T) {
	fields, err := parseFormBody([]byte("username=admin&password=hunter%32&empty="))
	if err != nil {
		t.Fatal(err)
	}
	if fields["username"] != "admin" {
		t.Errorf("username: got %q", fields["username"])
	}
	if fields["password"] != "hunter2" {
		t.Errorf("password not url-decoded: got %q", fields["password"])
	}
}

func TestParseJSONBody(t *testing.T) {
	fields, err := parseJSONBody([]byte(`{"user":"admin","pass":"x","remember":true,"nested":{"a":1},"list":[1,2]}`))
	if err != nil {
		t.Fatal(err)
	}
	if fields["user"] != "admin" || fields["pass"] != "x" {
		t.Errorf("scalar fields missing: %v", fields)
	}
	if fields["remember"] != "true" {
		t.Errorf("bool field: got %q", fields["remember"])
	}
	if _, ok := fields["nested"]; ok {
		t.Error("nested object should be skipped")
	}
	if _, ok := fields["list"]; ok {
		t.Error("array should be skipped")
	}
}

func TestParseJSONBodyInvalid(t *testing.T) {
	if _, err := parseJSONBody([]byte("not json")); err == nil {
		t.Error("expected error for invalid json")
	}
}

func TestCaptureFromBody(t *testing.T) {
	tgt := testTarget()
	tgt.CaptureFields = []string{"user", "pass"}

	tests := []struct {
		name  string
		body  string
		ctype string
		want  int
	}{
		{"form body", "username=a&password=b", "application/x-www-form-urlencoded", 2},
		{"form body with charset", "username=a", "application/x-www-form-urlencoded; charset=UTF-8", 1},
		{"json body", `{"user":"a","pass":"b"}`, "application/json", 2},
		{"unhandled content type", "username=a", "text/plain", 0},
		{"empty body", "", "application/json", 0},
		{"malformed json", "{", "application/json", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := captureFromBody([]byte(tt.body), tt.ctype, tgt)
			if len(got) != tt.want {
				t.Errorf("got %d credentials (%v), want %d", len(got), got, tt.want)
			}
		})
	}
}
