package domain

import "testing"

func TestInboundEvent_Kind(t *testing.T) {
	doc := &FileRef{FileID: "doc"}
	photos := []FileRef{{FileID: "small"}, {FileID: "big"}}

	tests := []struct {
		name  string
		event *InboundEvent
		want  PayloadKind
	}{
		{"nil", nil, PayloadUnsupported},
		{"empty", &InboundEvent{}, PayloadUnsupported},
		{"text", &InboundEvent{Text: "/start"}, PayloadText},
		{"document", &InboundEvent{Document: doc}, PayloadDocument},
		{"photo", &InboundEvent{Photo: photos}, PayloadPhoto},
		{"text wins over document", &InboundEvent{Text: "caption", Document: doc}, PayloadText},
		{"document wins over photo", &InboundEvent{Document: doc, Photo: photos}, PayloadDocument},
		{"document without file id", &InboundEvent{Document: &FileRef{}}, PayloadUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.Kind(); got != tt.want {
				t.Errorf("Kind() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestResourceType_Link(t *testing.T) {
	got := ResourceDocument.Link("files.example.com", "AbC-_12")
	want := "http://files.example.com/document?id=AbC-_12"
	if got != want {
		t.Errorf("Link() = %q, want %q", got, want)
	}
	if got := ResourcePhoto.Link("localhost:8080", "x"); got != "http://localhost:8080/photo?id=x" {
		t.Errorf("photo link = %q", got)
	}
}

func TestUserState_Known(t *testing.T) {
	if !StateBasic.Known() || !StateWaitForEmail.Known() {
		t.Error("enumerated states must be known")
	}
	if UserState("LIMBO").Known() {
		t.Error("LIMBO must not be known")
	}
}
