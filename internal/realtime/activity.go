package realtime

// Activity types broadcast alongside state changes.
const (
	ActivityJoined              = "joined"
	ActivityLeft                = "left"
	ActivityContentUpdated      = "content_updated"
	ActivityCommentAdded        = "comment_added"
	ActivityInsightAdded        = "insight_added"
	ActivityVersionCreated      = "version_created"
	ActivityCollaboratorRemoved = "collaborator_removed"
	ActivityLockReleased        = "lock_released"
)
