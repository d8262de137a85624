package team

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arbiterhq/arbiter/errs"
)

// defaultVoters is the panel when the caller does not name one.
var defaultVoters = []string{"reasoner", "coder", "general"}

// Vote is one agent's ballot.
type Vote struct {
	Agent      string  `json:"agent"`
	Choice     string  `json:"choice"`
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

// externalVoter joins the panel when the caller asks for an outside
// opinion.
const externalVoter = "consultant"

// VoteResult is the aggregated outcome. FinalReasoning is the most
// confident winning ballot's justification.
type VoteResult struct {
	Question       string         `json:"question"`
	Options        []string       `json:"options"`
	Choice         string         `json:"choice"`
	Consensus      float64        `json:"consensus"`
	FinalReasoning string         `json:"final_reasoning"`
	Votes          []Vote         `json:"votes"`
	Tally          map[string]int `json:"tally"`
	DurationSec    float64        `json:"duration_sec"`
}

// RunVote asks each voter agent to pick an option, in parallel, and
// aggregates by majority. Ties break by mean ballot confidence, then by
// the option's position in the input. voteContext is optional background
// shown to every voter; useExternal adds the consultant to the panel.
func (c *Coordinator) RunVote(ctx context.Context, question string, options []string, voters []string, voteContext string, useExternal bool) (*VoteResult, error) {
	if len(options) < 2 {
		return nil, errs.New(errs.KindValidation, "voting requires at least 2 options")
	}
	if len(voters) == 0 {
		voters = defaultVoters
	}
	if useExternal && !contains(voters, externalVoter) {
		voters = append(append([]string{}, voters...), externalVoter)
	}
	start := time.Now()

	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", question)
	if voteContext != "" {
		fmt.Fprintf(&b, "Context: %s\n\n", voteContext)
	}
	b.WriteString("Options:\n")
	for i, opt := range options {
		fmt.Fprintf(&b, "%d. %s\n", i+1, opt)
	}
	b.WriteString("\nPick exactly one option. Respond with JSON: " +
		`{"choice": "<option text>", "reasoning": "<why>", "confidence": <0.0-1.0>}`)
	prompt := b.String()

	votes := make([]Vote, len(voters))
	g, gctx := errgroup.WithContext(ctx)
	for i, voter := range voters {
		g.Go(func() error {
			raw, err := c.gen.Generate(gctx, voter, prompt)
			if err != nil {
				votes[i] = Vote{Agent: voter, Error: err.Error()}
				return nil
			}
			votes[i] = parseVote(voter, raw, options)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	tally := map[string]int{}
	confSum := map[string]float64{}
	valid := 0
	for _, v := range votes {
		if v.Error != "" || v.Choice == "" {
			continue
		}
		tally[v.Choice]++
		confSum[v.Choice] += v.Confidence
		valid++
	}
	if valid == 0 {
		return nil, errs.New(errs.KindInternal, "no valid votes cast")
	}

	winner := pickWinner(options, tally, confSum)

	return &VoteResult{
		Question:       question,
		Options:        options,
		Choice:         winner,
		Consensus:      float64(tally[winner]) / float64(valid),
		FinalReasoning: winningReasoning(votes, winner),
		Votes:          votes,
		Tally:          tally,
		DurationSec:    time.Since(start).Seconds(),
	}, nil
}

// winningReasoning returns the justification of the most confident
// ballot cast for the winner.
func winningReasoning(votes []Vote, winner string) string {
	best := ""
	bestConf := -1.0
	for _, v := range votes {
		if v.Error != "" || v.Choice != winner {
			continue
		}
		if v.Confidence > bestConf {
			best = v.Reasoning
			bestConf = v.Confidence
		}
	}
	return best
}

func contains(items []string, want string) bool {
	for _, it := range items {
		if it == want {
			return true
		}
	}
	return false
}

func pickWinner(options []string, tally map[string]int, confSum map[string]float64) string {
	winner := ""
	bestVotes := -1
	bestConf := -1.0
	for _, opt := range options {
		n := tally[opt]
		meanConf := 0.0
		if n > 0 {
			meanConf = confSum[opt] / float64(n)
		}
		if n > bestVotes || (n == bestVotes && meanConf > bestConf) {
			winner = opt
			bestVotes = n
			bestConf = meanConf
		}
	}
	return winner
}

var (
	numberedChoice = regexp.MustCompile(`^\s*(\d+)\s*[.)]?`)
	optionNChoice  = regexp.MustCompile(`(?i)option\s+(\d+)`)
)

// parseVote extracts a ballot from model output. JSON is preferred;
// free-text answers are matched against the options leniently. Anything
// unrecognizable counts as the first option.
func parseVote(agent, raw string, options []string) Vote {
	vote := Vote{Agent: agent, Confidence: 0.5}

	if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start >= 0 && end > start {
		var parsed struct {
			Choice     string  `json:"choice"`
			Reasoning  string  `json:"reasoning"`
			Confidence float64 `json:"confidence"`
		}
		if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err == nil && parsed.Choice != "" {
			vote.Reasoning = parsed.Reasoning
			if parsed.Confidence > 0 {
				vote.Confidence = parsed.Confidence
			}
			vote.Choice = matchOption(parsed.Choice, options)
			return vote
		}
	}

	vote.Choice = matchOption(raw, options)
	return vote
}

func matchOption(text string, options []string) string {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	for _, opt := range options {
		if strings.EqualFold(trimmed, opt) {
			return opt
		}
	}
	if m := numberedChoice.FindStringSubmatch(trimmed); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
	}
	if m := optionNChoice.FindStringSubmatch(lower); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
	}
	for _, opt := range options {
		if strings.Contains(lower, strings.ToLower(opt)) {
			return opt
		}
	}
	return options[0]
}
