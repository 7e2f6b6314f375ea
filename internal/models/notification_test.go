package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadByBroadcastUsesReadRows(t *testing.T) {
	n := Notification{
		BaseModel: BaseModel{ID: "n-1"},
		Audience:  AudienceBroadcast,
		Reads: []NotificationRead{
			{NotificationID: "n-1", RecipientID: "alice"},
		},
	}

	require.True(t, n.ReadBy("alice"))
	require.False(t, n.ReadBy("bob"))
	require.False(t, n.UnreadFor("alice"))
	require.True(t, n.UnreadFor("bob"))
}

func TestReadByTargetedUsesFlag(t *testing.T) {
	n := Notification{
		BaseModel: BaseModel{ID: "n-2"},
		Audience:  AudienceTargeted,
		TargetID:  "alice",
		Read:      true,
	}

	// The flag applies regardless of who asks; audience scoping is separate.
	require.True(t, n.ReadBy("alice"))
	require.True(t, n.ReadBy("bob"))

	n.Read = false
	require.False(t, n.ReadBy("alice"))
}

func TestVisibleTo(t *testing.T) {
	broadcast := Notification{Audience: AudienceBroadcast}
	require.True(t, broadcast.VisibleTo("anyone"))
	require.True(t, broadcast.IsBroadcast())

	targeted := Notification{Audience: AudienceTargeted, TargetID: "alice"}
	require.True(t, targeted.VisibleTo("alice"))
	require.False(t, targeted.VisibleTo("bob"))
	require.False(t, targeted.IsBroadcast())
}
