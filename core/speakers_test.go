package core

import "testing"

func TestApplySpeakerNames(t *testing.T) {
	text := "Speaker 1 opened. Speaker 2 replied. Speaker 1 closed."
	got := ApplySpeakerNames(text, map[string]string{"1": "Ana", "2": "Bruno", "3": "Carla"})
	want := "Ana opened. Bruno replied. Ana closed."
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestApplySpeakerNamesSkipsEmpty(t *testing.T) {
	text := "Speaker 1 spoke."
	if got := ApplySpeakerNames(text, map[string]string{"1": ""}); got != text {
		t.Errorf("got %q, empty names must be ignored", got)
	}
	if got := ApplySpeakerNames(text, nil); got != text {
		t.Errorf("got %q, nil map must be a no-op", got)
	}
}

func TestCurrentTextPrefersEdit(t *testing.T) {
	job := &Job{
		TranscriptText: "Speaker 1 original.",
		EditedText:     "Speaker 1 corrected.",
		SpeakerNames:   map[string]string{"1": "Ana"},
	}
	if got := job.CurrentText(); got != "Ana corrected." {
		t.Errorf("CurrentText = %q", got)
	}
	job.EditedText = ""
	if got := job.CurrentText(); got != "Ana original." {
		t.Errorf("CurrentText = %q", got)
	}
}
