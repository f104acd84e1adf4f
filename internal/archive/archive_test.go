package archive

import "testing"

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri        string
		wantBucket string
		wantObject string
		wantErr    bool
	}{
		{"gs://docs/user-1/imp/statement.pdf", "docs", "user-1/imp/statement.pdf", false},
		{"gs://docs/file.pdf", "docs", "file.pdf", false},
		{"gs://docs", "", "", true},
		{"gs://docs/", "", "", true},
		{"s3://docs/file.pdf", "", "", true},
		{"/tmp/file.pdf", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			bucket, object, err := ParseURI(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseURI(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			}
			if bucket != tt.wantBucket || object != tt.wantObject {
				t.Errorf("ParseURI(%q) = %q, %q; want %q, %q", tt.uri, bucket, object, tt.wantBucket, tt.wantObject)
			}
		})
	}
}

func TestFilenameFromURI(t *testing.T) {
	if got := FilenameFromURI("gs://bucket/folder/file.pdf"); got != "file.pdf" {
		t.Errorf("FilenameFromURI = %q, want file.pdf", got)
	}
	if got := FilenameFromURI("gs://bucket"); got != "bucket" {
		t.Errorf("FilenameFromURI = %q, want bucket", got)
	}
}

func TestObjectName(t *testing.T) {
	tests := map[string]string{
		"statement.pdf":           "u/i/statement.pdf",
		"../../etc/passwd":        "u/i/passwd",
		`C:\Users\me\receipt.jpg`: "u/i/receipt.jpg",
		"":                        "u/i/document",
	}
	for in, want := range tests {
		if got := ObjectName("u", "i", in); got != want {
			t.Errorf("ObjectName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsURI(t *testing.T) {
	if !IsURI("gs://a/b") || IsURI("a/b") {
		t.Error("IsURI misclassified input")
	}
}
