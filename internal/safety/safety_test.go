package safety_test

import (
	"strings"
	"testing"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/safety"
)

func newLinter() safety.Linter {
	return safety.Linter{Config: config.Default()}
}

func TestCleanDraftHasNoFlags(t *testing.T) {
	l := newLinter()
	body := "Following up on our request. Could you share an updated timeline?\n\nRecords Requests Desk"
	if flags := l.Lint(domain.ActionSendFollowUp, "Follow-up", body); len(flags) != 0 {
		t.Fatalf("flags = %v, want none", flags)
	}
}

func TestWordCeiling(t *testing.T) {
	l := newLinter()
	body := strings.Repeat("word ", 260) + "\nRecords Requests Desk"
	flags := l.Lint(domain.ActionSendFollowUp, "Follow-up", body)
	if !hasRule(flags, "word_ceiling") {
		t.Fatalf("flags = %v, want word_ceiling", flags)
	}
}

func TestForbiddenPhraseIsCaseInsensitive(t *testing.T) {
	l := newLinter()
	body := "We may pursue Legal Action if this is ignored.\nRecords Requests Desk"
	flags := l.Lint(domain.ActionSendFollowUp, "Follow-up", body)
	if !hasRule(flags, "forbidden_phrase") {
		t.Fatalf("flags = %v, want forbidden_phrase", flags)
	}
}

func TestForbiddenPhrasesArePerAction(t *testing.T) {
	l := newLinter()
	// "statute" is banned for portal submissions, not for fee negotiation.
	body := "The statute allows a fee waiver for the press.\nRecords Requests Desk"
	if flags := l.Lint(domain.ActionNegotiateFee, "Fees", body); hasRule(flags, "forbidden_phrase") {
		t.Fatalf("flags = %v, phrase list should not apply to this action", flags)
	}
	if flags := l.Lint(domain.ActionPortalSubmit, "Portal", body); !hasRule(flags, "forbidden_phrase") {
		t.Fatalf("flags = %v, want forbidden_phrase for portal drafts", flags)
	}
}

func TestMissingSignature(t *testing.T) {
	l := newLinter()
	flags := l.Lint(domain.ActionSendFollowUp, "Follow-up", "Just checking in.")
	if !hasRule(flags, "missing_signature") {
		t.Fatalf("flags = %v, want missing_signature", flags)
	}
}

func TestNilConfigLintsNothing(t *testing.T) {
	l := safety.Linter{}
	if flags := l.Lint(domain.ActionSendFollowUp, "Follow-up", "anything at all"); len(flags) != 0 {
		t.Fatalf("flags = %v", flags)
	}
}

func TestFlagStrings(t *testing.T) {
	flags := []safety.Flag{
		{Rule: "word_ceiling", Detail: "too long"},
		{Rule: "bare"},
	}
	got := safety.FlagStrings(flags)
	if len(got) != 2 || got[0] != "word_ceiling: too long" || got[1] != "bare" {
		t.Fatalf("got %v", got)
	}
	if safety.FlagStrings(nil) != nil {
		t.Fatal("empty input should render nil")
	}
}

func hasRule(flags []safety.Flag, rule string) bool {
	for _, f := range flags {
		if f.Rule == rule {
			return true
		}
	}
	return false
}
