package appointment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/docbook/booking/internal/platform/auth"
)

func TestPublishers_AttemptsEveryMember(t *testing.T) {
	first := &recordingPublisher{err: errors.New("webhook queue full")}
	second := &recordingPublisher{}
	pubs := Publishers{first, second}

	err := pubs.Publish(context.Background(), EventBooked, Event{AppointmentID: uuid.New()})
	if err == nil {
		t.Error("expected member error to surface")
	}
	if len(first.ofType(EventBooked)) != 1 || len(second.ofType(EventBooked)) != 1 {
		t.Error("every publisher should see the event")
	}
	if err := (Publishers{}).Publish(context.Background(), EventBooked, Event{}); err != nil {
		t.Errorf("empty fan-out: %v", err)
	}
}

func TestEvent_Topics(t *testing.T) {
	e := Event{DoctorID: uuid.New(), PatientID: uuid.New()}
	got := e.Topics()
	want := []string{"doctor:" + e.DoctorID.String(), "patient:" + e.PatientID.String(), TopicAdmin}
	if len(got) != len(want) {
		t.Fatalf("Topics = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Topics[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFeedTopics(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name     string
		actor    *auth.Actor
		want     string
		wantCode int
	}{
		{"patient", patientActor(id), "patient:" + id.String(), 0},
		{"doctor", doctorActor(id), "doctor:" + id.String(), 0},
		{"admin", adminActor, TopicAdmin, 0},
		{"gateway", gatewayActor, "", http.StatusForbidden},
		{"doctor with bad id", &auth.Actor{ID: "nope", Role: auth.RoleDoctor}, "", http.StatusForbidden},
		{"anonymous", nil, "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
			if tt.actor != nil {
				req = req.WithContext(auth.WithActor(req.Context(), *tt.actor))
			}
			c := echo.New().NewContext(req, httptest.NewRecorder())

			topics, err := FeedTopics(c)
			if tt.wantCode != 0 {
				he, ok := err.(*echo.HTTPError)
				if !ok || he.Code != tt.wantCode {
					t.Fatalf("expected %d, got %v", tt.wantCode, err)
				}
				return
			}
			if err != nil || len(topics) != 1 || topics[0] != tt.want {
				t.Errorf("FeedTopics = %v, %v", topics, err)
			}
		})
	}
}
