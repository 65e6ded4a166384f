// Exercises the application ledger against a live MySQL instance.
package main

import (
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/stake-plus/gatekeeper/src/GKApi/data"
	"github.com/stake-plus/gatekeeper/src/GKApi/types"
	"github.com/stake-plus/gatekeeper/src/ledger"
)

func main() {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "gatekeeper:gatekeeper@tcp(127.0.0.1:3306)/gatekeeper?parseTime=true"
	}
	db := data.MustMySQL(dsn)

	if err := db.AutoMigrate(&types.Application{}, &types.Vote{}, &types.ProcessedSubmission{}); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	l := ledger.New(db)

	subID := "smoke-" + uuid.NewString()
	app := &types.Application{
		SubmissionID: subID,
		Applicant:    "storage-smoke",
		Summary:      "exercise the ledger round trip",
	}
	if err := l.CreateIfUnseen(app); err != nil {
		log.Fatalf("create: %v", err)
	}
	log.Printf("created application %d (%s)", app.ID, subID)

	// Duplicate create must be refused.
	dup := &types.Application{SubmissionID: subID, Applicant: "storage-smoke"}
	if err := l.CreateIfUnseen(dup); err != ledger.ErrDuplicateSubmission {
		log.Fatalf("duplicate create: want ErrDuplicateSubmission, got %v", err)
	}

	if err := l.UpsertVote(app.ID, "smoke-reviewer", types.VoteApprove); err != nil {
		log.Fatalf("vote: %v", err)
	}
	counts, err := l.Votes(app.ID)
	if err != nil || counts.Approve != 1 {
		log.Fatalf("votes: counts=%+v err=%v", counts, err)
	}

	ok, err := l.CompareAndSetStatus(app.ID, types.StatusPending, types.StatusArmedAccept, nil)
	if err != nil || !ok {
		log.Fatalf("cas pending->armed: ok=%v err=%v", ok, err)
	}
	// Stale expectation must lose.
	ok, err = l.CompareAndSetStatus(app.ID, types.StatusPending, types.StatusArmedReject, nil)
	if err != nil || ok {
		log.Fatalf("stale cas: ok=%v err=%v", ok, err)
	}

	// Clean up the smoke rows.
	db.Where("application_id = ?", app.ID).Delete(&types.Vote{})
	db.Delete(&types.Application{}, app.ID)
	db.Delete(&types.ProcessedSubmission{}, "submission_id = ?", subID)

	log.Println("✓ storage round trip passed")
}
