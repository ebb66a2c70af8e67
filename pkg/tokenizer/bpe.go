package tokenizer

import (
	"fmt"
	"regexp"

	"github.com/pkoukk/tiktoken-go"
)

// Pattern splits text into pieces that merges never cross: contractions,
// words with their leading punctuation or space, digit runs, punctuation,
// and whitespace. Every character falls into exactly one piece.
const Pattern = `'s|'t|'re|'ve|'m|'ll|'d|[^\r\n0-9A-Za-z]*[0-9A-Za-z]+|[0-9]{1,3}|[^\s0-9A-Za-z]+[\r\n]*|\s*[\r\n]+|\s+`

var piecePattern = regexp.MustCompile(Pattern)

// BPE is a byte-level byte-pair encoding trained on a corpus.
type BPE struct {
	// Ranks maps token bytes to merge rank. Ranks 0-255 are the single
	// bytes; every learned merge takes the next rank.
	Ranks map[string]int

	tokens [][]byte // rank -> bytes
}

// Pair represents two adjacent token ids.
type Pair [2]int

// newBPE returns the base vocabulary of 256 byte tokens.
func newBPE() *BPE {
	b := &BPE{Ranks: make(map[string]int, 256), tokens: make([][]byte, 256)}
	for i := 0; i < 256; i++ {
		tok := []byte{byte(i)}
		b.tokens[i] = tok
		b.Ranks[string(tok)] = i
	}
	return b
}

// Size returns the number of ordinary tokens. The EOS token takes id Size().
func (b *BPE) Size() int {
	return len(b.tokens)
}

// pieces splits text into pre-tokenization pieces.
func pieces(text string) []string {
	return piecePattern.FindAllString(text, -1)
}

// countPairs counts adjacent pairs, weighting each sequence by how often its
// piece occurs in the corpus.
func countPairs(sequences [][]int, weights []int) map[Pair]int {
	pairs := make(map[Pair]int)
	for s, seq := range sequences {
		for i := 0; i < len(seq)-1; i++ {
			pairs[Pair{seq[i], seq[i+1]}] += weights[s]
		}
	}
	return pairs
}

// findMostFrequentPair returns the pair with the highest count. Ties go to
// the lexicographically smallest pair so training is deterministic.
func findMostFrequentPair(pairs map[Pair]int) (Pair, int) {
	var bestPair Pair
	maxCount := 0

	for pair, count := range pairs {
		if count > maxCount || (count == maxCount && lessPair(pair, bestPair)) {
			maxCount = count
			bestPair = pair
		}
	}

	return bestPair, maxCount
}

func lessPair(a, b Pair) bool {
	if a[0] != b[0] {
		return a[0] < b[0]
	}
	return a[1] < b[1]
}

// applyMerge replaces all occurrences of pair with newID, greedily left to
// right.
func applyMerge(tokenIDs []int, pair Pair, newID int) []int {
	result := make([]int, 0, len(tokenIDs))
	i := 0

	for i < len(tokenIDs) {
		if i < len(tokenIDs)-1 && tokenIDs[i] == pair[0] && tokenIDs[i+1] == pair[1] {
			result = append(result, newID)
			i += 2
		} else {
			result = append(result, tokenIDs[i])
			i++
		}
	}

	return result
}

// TrainBPE learns up to numMerges merges from corpus lines.
//
// Algorithm:
//  1. Start from the 256 byte tokens
//  2. Split every line into pieces and count identical pieces once
//  3. Repeatedly merge the most frequent adjacent pair
//  4. Stop after numMerges merges or when no pair occurs twice
//
// A merge whose bytes already exist as a token reuses that token instead
// of adding a new rank.
func TrainBPE(corpus []string, numMerges int) (*BPE, error) {
	if numMerges < 0 {
		return nil, fmt.Errorf("number of merges must not be negative, got %d", numMerges)
	}

	b := newBPE()

	counts := make(map[string]int)
	var order []string
	for _, line := range corpus {
		for _, piece := range pieces(line) {
			if counts[piece] == 0 {
				order = append(order, piece)
			}
			counts[piece]++
		}
	}

	sequences := make([][]int, len(order))
	weights := make([]int, len(order))
	for i, piece := range order {
		seq := make([]int, len(piece))
		for j := 0; j < len(piece); j++ {
			seq[j] = int(piece[j])
		}
		sequences[i] = seq
		weights[i] = counts[piece]
	}

	for merges := 0; merges < numMerges; {
		pairs := countPairs(sequences, weights)
		if len(pairs) == 0 {
			break
		}

		bestPair, count := findMostFrequentPair(pairs)
		if count < 2 {
			break
		}

		merged := append(append([]byte(nil), b.tokens[bestPair[0]]...), b.tokens[bestPair[1]]...)
		newID, ok := b.Ranks[string(merged)]
		if !ok {
			newID = len(b.tokens)
			b.tokens = append(b.tokens, merged)
			b.Ranks[string(merged)] = newID
			merges++
		}

		for i, seq := range sequences {
			sequences[i] = applyMerge(seq, bestPair, newID)
		}
	}

	return b, nil
}

// Encoder returns an encoder over the learned ranks with EOSText as the
// single special token at id Size().
func (b *BPE) Encoder() (Encoder, error) {
	special := map[string]int{EOSText: b.Size()}

	core, err := tiktoken.NewCoreBPE(b.Ranks, special, Pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to build BPE encoder: %w", err)
	}

	enc := tiktoken.NewTiktoken(core, &tiktoken.Encoding{
		Name:           BackendBPE,
		PatStr:         Pattern,
		MergeableRanks: b.Ranks,
		SpecialTokens:  special,
	}, map[string]any{EOSText: true})

	return newTiktokenEncoder(enc)
}
