package realtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-dismissal-api/internal/models"
)

type stubGuardians struct {
	byStudent map[string][]string
	err       error
}

func (s stubGuardians) GuardianIDs(_ context.Context, studentIDs []string) (map[string][]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string][]string)
	for _, id := range studentIDs {
		out[id] = s.byStudent[id]
	}
	return out, nil
}

type recordingForwarder struct {
	envelopes []Envelope
}

func (f *recordingForwarder) Forward(_ context.Context, envelope Envelope) error {
	f.envelopes = append(f.envelopes, envelope)
	return nil
}

func audiences(keys []ChannelKey) []Audience {
	out := make([]Audience, 0, len(keys))
	for _, key := range keys {
		out = append(out, key.Audience)
	}
	return out
}

func TestRouterKeysByEventType(t *testing.T) {
	router := NewRouter(NewHub(), stubGuardians{byStudent: map[string][]string{
		"student-1": {"parent-1", "parent-2"},
	}}, nil)
	scope := Scope{StudentIDs: []string{"student-1"}}

	cases := []struct {
		eventType models.EventType
		want      []Audience
	}{
		{models.EventEntryAdded, []Audience{AudienceOffice}},
		{models.EventEntryHeld, []Audience{AudienceOffice}},
		{models.EventEntryCalled, []Audience{AudienceOffice, AudienceDisplay}},
		{models.EventSessionStarted, []Audience{AudienceOffice, AudienceDisplay}},
		{models.EventChangeRequest, []Audience{AudienceOffice}},
		{models.EventEntryDismissed, []Audience{AudienceOffice, AudienceDisplay, ParentAudience("parent-1"), ParentAudience("parent-2")}},
		{models.EventChangeResolved, []Audience{AudienceOffice, ParentAudience("parent-1"), ParentAudience("parent-2")}},
	}
	for _, tc := range cases {
		t.Run(string(tc.eventType), func(t *testing.T) {
			keys := router.Keys(context.Background(), Event{Type: tc.eventType, TenantID: "school-1"}, scope)
			assert.ElementsMatch(t, tc.want, audiences(keys))
			for _, key := range keys {
				assert.Equal(t, "school-1", key.TenantID)
			}
		})
	}
}

func TestRouterIncludesParentRequester(t *testing.T) {
	router := NewRouter(NewHub(), nil, nil)
	keys := router.Keys(context.Background(), Event{Type: models.EventChangeResolved, TenantID: "school-1"}, Scope{
		RequesterID:   "parent-9",
		RequesterRole: models.RoleParent,
	})
	assert.ElementsMatch(t, []Audience{AudienceOffice, ParentAudience("parent-9")}, audiences(keys))
}

func TestRouterGuardianFailureStillDeliversToOffice(t *testing.T) {
	router := NewRouter(NewHub(), stubGuardians{err: errors.New("db down")}, nil)
	keys := router.Keys(context.Background(), Event{Type: models.EventEntryDismissed, TenantID: "school-1"}, Scope{StudentIDs: []string{"student-1"}})
	assert.ElementsMatch(t, []Audience{AudienceOffice, AudienceDisplay}, audiences(keys))
}

func TestRouterPublishDeliversAndForwards(t *testing.T) {
	hub := NewHub()
	forwarder := &recordingForwarder{}
	router := NewRouter(hub, stubGuardians{byStudent: map[string][]string{"student-1": {"parent-1"}}}, nil)
	router.SetForwarder(forwarder)

	parent, ok := router.Subscribe(models.ActorContext{ActorID: "parent-1", TenantID: "school-1", Role: models.RoleParent}, "session-1")
	require.True(t, ok)
	defer parent.Close()
	other, ok := router.Subscribe(models.ActorContext{ActorID: "parent-2", TenantID: "school-1", Role: models.RoleParent}, "session-1")
	require.True(t, ok)
	defer other.Close()

	router.Publish(context.Background(), Event{Type: models.EventEntryDismissed, TenantID: "school-1", SessionID: "session-1"},
		Scope{StudentIDs: []string{"student-1"}})

	evt := <-parent.Events()
	assert.Equal(t, models.EventEntryDismissed, evt.Type)
	assert.Len(t, other.Events(), 0)
	require.Len(t, forwarder.envelopes, 1)
	assert.Len(t, forwarder.envelopes[0].Keys, 3)
}

func TestRouterSubscribeRejectsUnknownRole(t *testing.T) {
	router := NewRouter(NewHub(), nil, nil)
	_, ok := router.Subscribe(models.ActorContext{ActorID: "x", TenantID: "school-1", Role: "GUEST"}, "session-1")
	assert.False(t, ok)
}

func TestAudienceFor(t *testing.T) {
	audience, ok := AudienceFor(models.ActorContext{ActorID: "t-1", Role: models.RoleTeacher})
	require.True(t, ok)
	assert.Equal(t, AudienceOffice, audience)

	audience, ok = AudienceFor(models.ActorContext{ActorID: "kiosk", Role: models.RoleDisplay})
	require.True(t, ok)
	assert.Equal(t, AudienceDisplay, audience)

	audience, ok = AudienceFor(models.ActorContext{ActorID: "p-1", Role: models.RoleParent})
	require.True(t, ok)
	assert.Equal(t, Audience("parent:p-1"), audience)
}
