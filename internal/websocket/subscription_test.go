package websocket

import "testing"

func TestSubscriptionMatches(t *testing.T) {
	tests := []struct {
		name       string
		subscribed [][2]string
		entityType string
		entityID   string
		want       bool
	}{
		{
			name:       "exact match",
			subscribed: [][2]string{{"logbook", "e1"}},
			entityType: "logbook",
			entityID:   "e1",
			want:       true,
		},
		{
			name:       "different entity",
			subscribed: [][2]string{{"logbook", "e1"}},
			entityType: "logbook",
			entityID:   "e2",
			want:       false,
		},
		{
			name:       "type wildcard",
			subscribed: [][2]string{{"repertoire", "*"}},
			entityType: "repertoire",
			entityID:   "anything",
			want:       true,
		},
		{
			name:       "type wildcard other type",
			subscribed: [][2]string{{"repertoire", "*"}},
			entityType: "goal",
			entityID:   "anything",
			want:       false,
		},
		{
			name:       "full wildcard",
			subscribed: [][2]string{{"*", "*"}},
			entityType: "goal",
			entityID:   "g1",
			want:       true,
		},
		{
			name:       "no subscriptions",
			subscribed: nil,
			entityType: "logbook",
			entityID:   "e1",
			want:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := NewSubscriptionSet()
			for _, pair := range tt.subscribed {
				set.Add(pair[0], pair[1])
			}

			if got := set.Matches(tt.entityType, tt.entityID); got != tt.want {
				t.Errorf("Matches(%s, %s) = %v, want %v", tt.entityType, tt.entityID, got, tt.want)
			}
		})
	}
}

func TestSubscriptionRemove(t *testing.T) {
	set := NewSubscriptionSet()
	set.Add("logbook", "e1")
	set.Add("logbook", "*")

	if set.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", set.Len())
	}

	set.Remove("logbook", "*")

	if set.Matches("logbook", "e2") {
		t.Error("Matches() still true after wildcard removed")
	}
	if !set.Matches("logbook", "e1") {
		t.Error("Matches() lost the exact subscription")
	}
}
