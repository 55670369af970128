package internal

import (
	"testing"
	"time"
)

func TestCalculateBackoff(t *testing.T) {
	for retries := 0; retries < 5; retries++ {
		runAfter := CalculateBackoff(retries)
		if !runAfter.After(time.Now().Add(15 * time.Second)) {
			t.Errorf("retry %d: backoff should be at least 15 seconds, got %s", retries, time.Until(runAfter))
		}
	}
}

func TestStripNonAlphanum(t *testing.T) {
	if got := StripNonAlphanum("every 30-minutes!"); got != "every 30minutes" {
		t.Errorf("unexpected result %q", got)
	}
}

func TestChannelName(t *testing.T) {
	cases := map[string]string{
		"checkIfFilesExist":          "talkarr_check_if_files_exist",
		"scanAndImportExistingFiles": "talkarr_scan_and_import_existing_files",
		"a-b":                        "talkarr_ab",
	}
	for in, want := range cases {
		if got := ChannelName(in); got != want {
			t.Errorf("ChannelName(%q) = %q, want %q", in, got, want)
		}
	}
}
