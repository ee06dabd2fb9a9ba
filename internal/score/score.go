// internal/score/score.go
package score

import (
	"sort"

	"github.com/memeclash/memeclash/internal/models"
)

// Scoring constants. Round score is votes received, plus the win bonus for
// the round winner, plus the participation point for anyone who submitted,
// plus the streak bonus once a winner's run exceeds one round.
const (
	WinBonus           = 3
	ParticipationBonus = 1
	StreakBonus        = 2
)

// RoundInput is everything the resolution needs. It is plain data; the same
// input produces byte-identical output on every client, so redundant
// evaluation is safe and is used as a consistency check.
type RoundInput struct {
	Players      map[string]models.PlayerRecord
	Submissions  map[string]models.Submission
	Votes        map[string]string // voter uid -> voted-for uid
	CurrentRound int
	PriorScores  map[string]int
	PriorStreaks map[string]models.Streak
}

// RoundResult is the deterministic outcome of one round.
type RoundResult struct {
	// Winner is empty only when the round had no submissions.
	Winner        string
	VotesReceived map[string]int
	RoundScores   map[string]int
	TotalScores   map[string]int
	Streaks       map[string]models.Streak
}

// ResolveRound tallies votes and computes per-round and cumulative scores.
// Pure function: no clock, no randomness, no side effects. Iteration is
// forced into sorted key order everywhere a map feeds an outcome.
func ResolveRound(in RoundInput) RoundResult {
	res := RoundResult{
		VotesReceived: make(map[string]int),
		RoundScores:   make(map[string]int),
		TotalScores:   make(map[string]int),
		Streaks:       make(map[string]models.Streak),
	}

	for _, target := range in.Votes {
		res.VotesReceived[target]++
	}

	res.Winner = pickWinner(in.Submissions, res.VotesReceived)

	for _, uid := range sortedPlayerIDs(in.Players) {
		prior := in.PriorStreaks[uid]
		streak := models.Streak{}
		if uid == res.Winner {
			if prior.LastWonRound == in.CurrentRound-1 {
				streak.Count = prior.Count + 1
			} else {
				streak.Count = 1
			}
			streak.LastWonRound = in.CurrentRound
		} else {
			// A loss ends the run but the last win round is kept so a
			// rejoining winner cannot resurrect a stale streak.
			streak.LastWonRound = prior.LastWonRound
		}
		res.Streaks[uid] = streak

		score := res.VotesReceived[uid]
		if uid == res.Winner {
			score += WinBonus
			if streak.Count > 1 {
				score += StreakBonus
			}
		}
		if _, participated := in.Submissions[uid]; participated {
			score += ParticipationBonus
		}
		res.RoundScores[uid] = score
		res.TotalScores[uid] = in.PriorScores[uid] + score
	}

	return res
}

// pickWinner returns the submitter with the highest vote count. Ties break on
// earliest submission time (first-mover advantage); equal timestamps break on
// uid so the result is total-ordered.
func pickWinner(submissions map[string]models.Submission, votes map[string]int) string {
	ids := make([]string, 0, len(submissions))
	for uid := range submissions {
		ids = append(ids, uid)
	}
	sort.Strings(ids)

	winner := ""
	for _, uid := range ids {
		if winner == "" {
			winner = uid
			continue
		}
		cur, best := votes[uid], votes[winner]
		switch {
		case cur > best:
			winner = uid
		case cur == best:
			a, b := submissions[uid], submissions[winner]
			if a.SubmittedAt.Before(b.SubmittedAt) {
				winner = uid
			}
		}
	}
	return winner
}

// RankedPlayer is one leaderboard row.
type RankedPlayer struct {
	UID   string
	Score int
	Rank  int
}

// Leaderboard sorts players by cumulative score descending and assigns
// standard competition ranking: equal scores share a rank and the next
// distinct score skips past them (1, 1, 3).
func Leaderboard(totals map[string]int) []RankedPlayer {
	out := make([]RankedPlayer, 0, len(totals))
	for uid, s := range totals {
		out = append(out, RankedPlayer{UID: uid, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].UID < out[j].UID
	})
	for i := range out {
		if i > 0 && out[i].Score == out[i-1].Score {
			out[i].Rank = out[i-1].Rank
		} else {
			out[i].Rank = i + 1
		}
	}
	return out
}

func sortedPlayerIDs(players map[string]models.PlayerRecord) []string {
	ids := make([]string, 0, len(players))
	for uid := range players {
		ids = append(ids, uid)
	}
	sort.Strings(ids)
	return ids
}
