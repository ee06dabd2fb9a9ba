// internal/rating/glicko2.go
package rating

import (
	"math"
	"sort"
)

const (
	// GlickoScale is the multiplier used for converting between Elo and Glicko2's mu.
	GlickoScale = 173.7178
	// DefaultElo is the baseline rating for a fresh guest.
	DefaultElo = 1500.0
	// DefaultRD is the baseline rating deviation.
	DefaultRD = 350.0
	// DefaultSigma is the baseline volatility.
	DefaultSigma = 0.06
	// Tau is the constraint on volatility changes.
	Tau = 0.5
	// Epsilon is the tolerance used in iteration stopping conditions.
	Epsilon = 0.000001
)

// Rating is a player's persistent skill estimate, stored between matches at
// ratings/{uid}. Battle royale matchmaking orders the queue by Elo.
type Rating struct {
	Elo        float64 `json:"elo"`
	RD         float64 `json:"rd"`
	Volatility float64 `json:"volatility"`
}

// Default returns the rating assigned to a player with no match history.
func Default() Rating {
	return Rating{Elo: DefaultElo, RD: DefaultRD, Volatility: DefaultSigma}
}

// FinalizeMatch produces updated ratings for every player of a finished
// match given their final scores (higher is better). Each player is updated
// against the average of the others, with the outcome expressed as a rank
// fraction: best rank 1.0, worst 0.0, ties sharing their fraction. Players
// absent from ratings start from Default. Deterministic for a given input.
func FinalizeMatch(ratings map[string]Rating, scores map[string]int) map[string]Rating {
	uids := make([]string, 0, len(scores))
	for uid := range scores {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	if len(uids) < 2 {
		out := make(map[string]Rating, len(uids))
		for _, uid := range uids {
			out[uid] = ratingOrDefault(ratings, uid)
		}
		return out
	}

	frac := rankFractions(uids, scores)

	var totalElo float64
	for _, uid := range uids {
		totalElo += ratingOrDefault(ratings, uid).Elo
	}

	out := make(map[string]Rating, len(uids))
	for _, uid := range uids {
		r := ratingOrDefault(ratings, uid)
		oppElo := (totalElo - r.Elo) / float64(len(uids)-1)

		mu := (r.Elo - DefaultElo) / GlickoScale
		phi := r.RD / GlickoScale
		oppMu := (oppElo - DefaultElo) / GlickoScale
		oppPhi := DefaultRD / GlickoScale

		nmu, nphi, nsigma := updateGlicko(mu, phi, r.Volatility, oppMu, oppPhi, frac[uid])
		out[uid] = Rating{
			Elo:        math.Round(nmu*GlickoScale + DefaultElo),
			RD:         nphi * GlickoScale,
			Volatility: nsigma,
		}
	}
	return out
}

func ratingOrDefault(ratings map[string]Rating, uid string) Rating {
	if r, ok := ratings[uid]; ok && r.RD > 0 {
		return r
	}
	return Default()
}

// rankFractions maps each uid to a 0..1 outcome: 1.0 for the best score,
// 0.0 for the worst, ties sharing the fraction of their average rank.
func rankFractions(uids []string, scores map[string]int) map[string]float64 {
	ranked := make([]string, len(uids))
	copy(ranked, uids)
	sort.SliceStable(ranked, func(i, j int) bool {
		return scores[ranked[i]] > scores[ranked[j]]
	})

	frac := make(map[string]float64, len(ranked))
	i := 0
	for i < len(ranked) {
		j := i + 1
		for j < len(ranked) && scores[ranked[j]] == scores[ranked[i]] {
			j++
		}
		avgRank := float64(i+(j-1)) / 2
		fr := 1.0 - (avgRank / float64(len(ranked)-1))
		for k := i; k < j; k++ {
			frac[ranked[k]] = fr
		}
		i = j
	}
	return frac
}

// updateGlicko performs a single-match Glicko2 update with volatility for a
// player (mu, phi, sigma) against an average opponent, given the final
// score in [0..1].
func updateGlicko(mu, phi, sigma, oppMu, oppPhi, score float64) (float64, float64, float64) {
	gVal := g(oppPhi)
	EVal := E(mu, oppMu, oppPhi)

	v := 1.0 / (gVal * gVal * EVal * (1 - EVal))
	delta := v * gVal * (score - EVal)

	a := math.Log(sigma * sigma)
	A := a
	var B float64
	if delta*delta > phi*phi+v {
		B = math.Log(delta*delta - phi*phi - v)
	} else {
		k := 1.0
		for f(a-k*Tau, phi, v, delta, A) < 0 {
			k++
		}
		B = a - k*Tau
	}

	fA := func(x float64) float64 {
		return f(x, phi, v, delta, A)
	}

	fB := fA(B)
	for i := 0; i < 100; i++ {
		fAVal := fA(A)
		if math.Abs(fAVal) < Epsilon {
			break
		}
		A1 := A
		A = A1 - fAVal*(A1-B)/(fAVal-fB)
		fB = fA(B)
		if math.Abs(A-B) < Epsilon {
			break
		}
	}
	newSigma := math.Exp(A / 2)
	phiStar := math.Sqrt(phi*phi + newSigma*newSigma)
	phiPrime := 1.0 / math.Sqrt(1.0/(phiStar*phiStar)+1.0/v)
	muPrime := mu + phiPrime*phiPrime*gVal*(score-EVal)

	return muPrime, phiPrime, newSigma
}

// g is the G(phi) factor from Glicko2, 1/sqrt(1+3phi^2/pi^2).
func g(phi float64) float64 {
	return 1.0 / math.Sqrt(1.0+3.0*phi*phi/math.Pi/math.Pi)
}

// E is the expected score in Glicko2 space.
func E(mu, mu2, phi2 float64) float64 {
	return 1.0 / (1.0 + math.Exp(-g(phi2)*(mu-mu2)))
}

// f is the volatility root-finding function used in the iterative update.
func f(x, phi, v, delta, a float64) float64 {
	ex := math.Exp(x)
	num := ex * (delta*delta - phi*phi - v - ex)
	den := 2.0 * (phi*phi + v + ex) * (phi*phi + v + ex)
	return (num / den) - ((x - a) / (Tau * Tau))
}
