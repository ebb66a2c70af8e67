package tokenizer

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Save writes the ranks in the .tiktoken format, one token per line ordered
// by rank:
//
//	<base64_encoded_token> <rank>
//
// The EOS token is not stored; it always takes the id after the last rank.
func (b *BPE) Save(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for rank, token := range b.tokens {
		encoded := base64.StdEncoding.EncodeToString(token)
		if _, err := fmt.Fprintf(writer, "%s %d\n", encoded, rank); err != nil {
			return fmt.Errorf("failed to write token %d: %w", rank, err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	return file.Close()
}

// LoadBPE reads ranks written by Save or any .tiktoken file. Ranks must be
// exactly 0 .. n-1 and start with the 256 single bytes.
func LoadBPE(path string) (*BPE, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	b := &BPE{Ranks: make(map[string]int)}

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid line %d: expected 2 fields, got %d", lineNum, len(parts))
		}

		token, err := base64.StdEncoding.DecodeString(parts[0])
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 on line %d: %w", lineNum, err)
		}
		rank, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid rank on line %d: %w", lineNum, err)
		}
		if rank != len(b.tokens) {
			return nil, fmt.Errorf("line %d: expected rank %d, got %d", lineNum, len(b.tokens), rank)
		}
		if _, dup := b.Ranks[string(token)]; dup {
			return nil, fmt.Errorf("line %d: duplicate token %q", lineNum, token)
		}

		b.tokens = append(b.tokens, token)
		b.Ranks[string(token)] = rank
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}

	if len(b.tokens) < 256 {
		return nil, fmt.Errorf("ranks file has %d tokens, expected at least the 256 bytes", len(b.tokens))
	}
	for i := 0; i < 256; i++ {
		if len(b.tokens[i]) != 1 || b.tokens[i][0] != byte(i) {
			return nil, fmt.Errorf("rank %d is %q, expected byte %d", i, b.tokens[i], i)
		}
	}

	return b, nil
}
