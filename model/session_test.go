package model

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    SessionState
		to      SessionState
		allowed bool
	}{
		{"rendered to uploaded", StateRendered, StateUploaded, true},
		{"uploaded to fields injected", StateUploaded, StateFieldsInjected, true},
		{"fields injected self loop", StateFieldsInjected, StateFieldsInjected, true},
		{"fields injected to invitation", StateFieldsInjected, StateInvitationSent, true},
		{"invitation to viewed", StateInvitationSent, StateViewed, true},
		{"invitation straight to signed", StateInvitationSent, StateSigned, true},
		{"invitation to declined", StateInvitationSent, StateDeclined, true},
		{"invitation to expired", StateInvitationSent, StateExpired, true},
		{"viewed to signed", StateViewed, StateSigned, true},
		{"rendered skips upload", StateRendered, StateFieldsInjected, false},
		{"uploaded backwards", StateUploaded, StateRendered, false},
		{"invitation backwards to fields", StateInvitationSent, StateFieldsInjected, false},
		{"signed is terminal", StateSigned, StateViewed, false},
		{"declined is terminal", StateDeclined, StateSigned, false},
		{"uploaded self loop not allowed", StateUploaded, StateUploaded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.allowed {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []SessionState{StateSigned, StateDeclined, StateExpired}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
	}

	active := []SessionState{StateRendered, StateUploaded, StateFieldsInjected, StateInvitationSent, StateViewed}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("Expected %s to not be terminal", s)
		}
	}
}

func TestArtifactContainsBox(t *testing.T) {
	artifact := &GeneratedArtifact{
		PageCount: 2,
		PageDimensions: []PageDim{
			{Width: 612, Height: 792},
			{Width: 612, Height: 792},
		},
	}

	tests := []struct {
		name string
		fc   FieldCoordinate
		want bool
	}{
		{"inside first page", FieldCoordinate{PageIndex: 0, X: 100, Y: 100, Width: 150, Height: 40}, true},
		{"exactly at edge", FieldCoordinate{PageIndex: 1, X: 462, Y: 752, Width: 150, Height: 40}, true},
		{"width overflows", FieldCoordinate{PageIndex: 0, X: 500, Y: 100, Width: 150, Height: 40}, false},
		{"height overflows", FieldCoordinate{PageIndex: 0, X: 100, Y: 780, Width: 150, Height: 40}, false},
		{"page out of range", FieldCoordinate{PageIndex: 2, X: 100, Y: 100, Width: 150, Height: 40}, false},
		{"negative page", FieldCoordinate{PageIndex: -1, X: 100, Y: 100, Width: 150, Height: 40}, false},
		{"zero width", FieldCoordinate{PageIndex: 0, X: 100, Y: 100, Width: 0, Height: 40}, false},
		{"negative origin", FieldCoordinate{PageIndex: 0, X: -5, Y: 100, Width: 150, Height: 40}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := artifact.ContainsBox(tt.fc); got != tt.want {
				t.Errorf("ContainsBox(%+v) = %v, want %v", tt.fc, got, tt.want)
			}
		})
	}
}
