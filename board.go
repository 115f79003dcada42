/*
Copyright © 2026 Jack Chindlund <jack@chindlund.dev>
*/

package main

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Board geometry is fixed: five categories of five clues each, valued
// 100 through 500.
const (
	bankCategories       = 5
	bankCluesPerCategory = 5
)

var bankValues = []int{100, 200, 300, 400, 500}

type BankClue struct {
	Value    int    `json:"value" yaml:"value"`
	Question string `json:"question" yaml:"question"`
	Answer   string `json:"answer" yaml:"answer"`
}

type BankCategory struct {
	Title string     `json:"title" yaml:"title"`
	Clues []BankClue `json:"clues" yaml:"clues"`
}

// Bank is a full question board as loaded from a file. It is read-only
// once validated and is never written to the shared store; rooms refer to
// clues by key only.
type Bank struct {
	Categories []BankCategory `json:"categories" yaml:"categories"`
}

// Clue is one question/answer unit resolved against the board layout,
// addressed by 1-based category index and dollar value.
type Clue struct {
	CategoryIndex int
	CategoryTitle string
	Value         int
	Question      string
	Answer        string
}

// Key returns the board key for the clue, e.g. "c2_v300".
func (c Clue) Key() string {
	return clueKey(c.CategoryIndex, c.Value)
}

func clueKey(categoryIndex, value int) string {
	return fmt.Sprintf("c%d_v%d", categoryIndex, value)
}

func parseClueKey(key string) (categoryIndex, value int, ok bool) {
	n, err := fmt.Sscanf(key, "c%d_v%d", &categoryIndex, &value)
	if err != nil || n != 2 || clueKey(categoryIndex, value) != key {
		return 0, 0, false
	}
	return categoryIndex, value, true
}

// LoadBank reads and validates a question bank file, picking the codec by
// extension (.yaml/.yml, anything else is treated as JSON).
func LoadBank(path string) (*Bank, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseBankYAML(data)
	default:
		return ParseBankJSON(data)
	}
}

func ParseBankJSON(data []byte) (*Bank, error) {
	bank := &Bank{}

	if err := json.Unmarshal(data, bank); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBank, err)
	}

	if err := bank.Validate(); err != nil {
		return nil, err
	}

	return bank, nil
}

func ParseBankYAML(data []byte) (*Bank, error) {
	bank := &Bank{}

	if err := yaml.Unmarshal(data, bank); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBank, err)
	}

	if err := bank.Validate(); err != nil {
		return nil, err
	}

	return bank, nil
}

// Validate enforces the fixed board shape. Any failure aborts room
// creation before a single store write happens.
func (b *Bank) Validate() error {
	if len(b.Categories) != bankCategories {
		return fmt.Errorf("%w: expected %d categories, found %d", ErrInvalidBank, bankCategories, len(b.Categories))
	}

	for i, category := range b.Categories {
		number := i + 1

		if strings.TrimSpace(category.Title) == "" {
			return fmt.Errorf("%w: category %d has no title", ErrInvalidBank, number)
		}

		if len(category.Clues) != bankCluesPerCategory {
			return fmt.Errorf("%w: category %q has %d clues, expected %d",
				ErrInvalidBank, category.Title, len(category.Clues), bankCluesPerCategory)
		}

		seen := make(map[int]bool, bankCluesPerCategory)

		for _, clue := range category.Clues {
			if !validBankValue(clue.Value) {
				return fmt.Errorf("%w: category %q has invalid clue value %d",
					ErrInvalidBank, category.Title, clue.Value)
			}

			if seen[clue.Value] {
				return fmt.Errorf("%w: category %q repeats clue value %d",
					ErrInvalidBank, category.Title, clue.Value)
			}

			seen[clue.Value] = true

			if strings.TrimSpace(clue.Question) == "" {
				return fmt.Errorf("%w: clue %s has an empty question",
					ErrInvalidBank, clueKey(number, clue.Value))
			}

			if strings.TrimSpace(clue.Answer) == "" {
				return fmt.Errorf("%w: clue %s has an empty answer",
					ErrInvalidBank, clueKey(number, clue.Value))
			}
		}
	}

	return nil
}

func validBankValue(value int) bool {
	for _, v := range bankValues {
		if v == value {
			return true
		}
	}

	return false
}

// Clue resolves a board key against the bank.
func (b *Bank) Clue(key string) (Clue, bool) {
	categoryIndex, value, ok := parseClueKey(key)
	if !ok || categoryIndex < 1 || categoryIndex > len(b.Categories) {
		return Clue{}, false
	}

	category := b.Categories[categoryIndex-1]

	for _, clue := range category.Clues {
		if clue.Value == value {
			return Clue{
				CategoryIndex: categoryIndex,
				CategoryTitle: category.Title,
				Value:         value,
				Question:      clue.Question,
				Answer:        clue.Answer,
			}, true
		}
	}

	return Clue{}, false
}

// ClueKeys lists all 25 board keys in category-major, ascending-value
// order. The same keys seed boardUsed at room creation.
func (b *Bank) ClueKeys() []string {
	keys := make([]string, 0, bankCategories*bankCluesPerCategory)

	for i := range b.Categories {
		for _, value := range bankValues {
			keys = append(keys, clueKey(i+1, value))
		}
	}

	return keys
}

//go:embed assets/sample_bank.json
var sampleBankJSON []byte

// SampleBank is the board compiled into the binary, used when no bank
// file is given.
func SampleBank() *Bank {
	bank, err := ParseBankJSON(sampleBankJSON)
	if err != nil {
		panic("embedded sample bank: " + err.Error())
	}

	return bank
}
