// cmd/simulate drives a complete match against the in-memory store: it
// creates a lobby, joins a handful of players, and plays every round with
// random submissions and votes, printing the leaderboard at the end.
// Useful for eyeballing scoring and phase-flow changes without a browser.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/memeclash/memeclash/internal/actions"
	"github.com/memeclash/memeclash/internal/clock"
	"github.com/memeclash/memeclash/internal/models"
	"github.com/memeclash/memeclash/internal/score"
	"github.com/memeclash/memeclash/internal/store"
)

var situations = []string{
	"when the wifi drops mid-presentation",
	"monday morning standup energy",
	"explaining your job to your grandparents",
	"the group chat at 3am",
	"when the build finally passes",
}

func main() {
	players := flag.Int("players", 4, "number of players")
	rounds := flag.Int("rounds", 3, "number of rounds")
	seed := flag.Int64("seed", 1, "rng seed")
	flag.Parse()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	rng := rand.New(rand.NewSource(*seed))
	svc := actions.NewService(store.NewMemoryStore(), clock.New(), logger, rng)
	ctx := context.Background()

	settings := models.DefaultSettings()
	settings.Rounds = *rounds

	doc, err := svc.CreateLobby(ctx, "p0", "Player 0", models.ModeClassic, models.MaxLobbySize, settings)
	if err != nil {
		log.Fatalf("create lobby: %v", err)
	}
	fmt.Printf("lobby %s created\n", doc.Code)

	uids := []string{"p0"}
	for i := 1; i < *players; i++ {
		uid := fmt.Sprintf("p%d", i)
		if _, err := svc.JoinLobby(ctx, doc.Code, uid, fmt.Sprintf("Player %d", i), ""); err != nil {
			log.Fatalf("join %s: %v", uid, err)
		}
		uids = append(uids, uid)
	}

	if doc, err = svc.StartGame(ctx, doc.Code, "p0", situations[rng.Intn(len(situations))]); err != nil {
		log.Fatalf("start game: %v", err)
	}

	for doc.GameState.Phase != models.PhaseGameOver {
		round := doc.GameState.CurrentRound
		fmt.Printf("round %d: %q\n", round, doc.GameState.CurrentSituation)

		for _, uid := range uids {
			card := fmt.Sprintf("meme-%03d", rng.Intn(500))
			if _, err := svc.Submit(ctx, doc.Code, uid, card); err != nil {
				log.Fatalf("submit %s: %v", uid, err)
			}
		}
		if doc, err = svc.AdvancePhase(ctx, doc.Code, ""); err != nil {
			log.Fatalf("advance to voting: %v", err)
		}

		for _, uid := range uids {
			target := uid
			for target == uid {
				target = uids[rng.Intn(len(uids))]
			}
			if _, err := svc.Vote(ctx, doc.Code, uid, target); err != nil {
				log.Fatalf("vote %s: %v", uid, err)
			}
		}
		if doc, err = svc.AdvancePhase(ctx, doc.Code, ""); err != nil {
			log.Fatalf("advance to results: %v", err)
		}
		if n := len(doc.GameState.RoundWinners); n > 0 {
			fmt.Printf("  winner: %s\n", doc.GameState.RoundWinners[n-1])
		}

		if doc, err = svc.AdvancePhase(ctx, doc.Code, situations[rng.Intn(len(situations))]); err != nil {
			log.Fatalf("advance past results: %v", err)
		}
	}

	fmt.Println("final standings:")
	for _, rp := range score.Leaderboard(doc.GameState.PlayerScores) {
		name := doc.Players[rp.UID].DisplayName
		fmt.Printf("  #%d %-10s %d pts\n", rp.Rank, name, rp.Score)
	}
	os.Exit(0)
}
