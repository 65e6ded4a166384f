package types

import "time"

// Application statuses. Terminal statuses are never left once set.
const (
	StatusPending     uint8 = 0
	StatusArmedAccept uint8 = 1
	StatusArmedReject uint8 = 2
	StatusAccepted    uint8 = 3
	StatusRejected    uint8 = 4
)

// Vote choices
const (
	VoteApprove uint8 = 1
	VoteReject  uint8 = 2
)

var statusNames = map[uint8]string{
	StatusPending:     "pending",
	StatusArmedAccept: "armed_accept",
	StatusArmedReject: "armed_reject",
	StatusAccepted:    "accepted",
	StatusRejected:    "rejected",
}

func StatusName(s uint8) string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func ParseStatus(name string) (uint8, bool) {
	for code, n := range statusNames {
		if n == name {
			return code, true
		}
	}
	return 0, false
}

func IsTerminal(s uint8) bool {
	return s == StatusAccepted || s == StatusRejected
}

func ChoiceName(c uint8) string {
	switch c {
	case VoteApprove:
		return "approve"
	case VoteReject:
		return "reject"
	}
	return "unknown"
}

// Membership applications built from form submissions
type Application struct {
	ID           uint64 `gorm:"primaryKey"`
	SubmissionID string `gorm:"size:128;uniqueIndex;not null"`
	Applicant    string `gorm:"size:128;not null"`
	DiscordID    string `gorm:"size:64;index"`
	Summary      string `gorm:"size:4096"`
	Status       uint8  `gorm:"index;default:0"`
	MessageID    string `gorm:"size:64"`
	ChannelID    string `gorm:"size:64"`
	ArmedAt      *time.Time
	DecideAt     *time.Time
	ResolvedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Reviewer votes, one row per (application, reviewer)
type Vote struct {
	ID            uint64 `gorm:"primaryKey"`
	ApplicationID uint64 `gorm:"uniqueIndex:idx_app_reviewer;not null"`
	ReviewerID    string `gorm:"uniqueIndex:idx_app_reviewer;size:64;not null"`
	Choice        uint8  `gorm:"not null"`
	CreatedAt     time.Time
}

// Seen form responses; written in the same transaction as the application
type ProcessedSubmission struct {
	SubmissionID string `gorm:"primaryKey;size:128"`
	ProcessedAt  time.Time
}

// Failed outcome actions kept for admin retry
type OutcomeFailure struct {
	ID            uint64 `gorm:"primaryKey"`
	ApplicationID uint64 `gorm:"index;not null"`
	Outcome       uint8  `gorm:"not null"`
	Error         string `gorm:"size:1024"`
	Retried       bool   `gorm:"default:false"`
	CreatedAt     time.Time
}

// Weekly community events managed by the bot
type ScheduledEvent struct {
	ID           uint64 `gorm:"primaryKey"`
	EventID      string `gorm:"size:64;uniqueIndex;not null"`
	GuildID      string `gorm:"size:64;not null"`
	StartsAt     time.Time
	Deleted      bool   `gorm:"default:false"`
	Participants string `gorm:"size:4096"`
}

// Settings
type Setting struct {
	ID    uint8  `gorm:"primaryKey"`
	Name  string `gorm:"size:32;not null"`
	Value string `gorm:"size:256;not null"`
}
