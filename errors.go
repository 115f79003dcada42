/*
Copyright © 2026 Jack Chindlund <jack@chindlund.dev>
*/

package main

import (
	"errors"
	"fmt"
	"strings"
)

// Error policy: bank validation failures abort room creation before any
// store write happens; a bad room code surfaces ErrRoomNotFound to the
// joining player; stale host and player actions (clue already used, wrong
// phase, buzz race already lost) are silent no-ops rather than errors;
// transport failures bubble up untouched and are never retried, since the
// next watched snapshot restores a consistent view on its own.
var (
	ErrBadPath      = errors.New("malformed store path")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidBank  = errors.New("invalid question bank")
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomExists   = errors.New("room code already in use")
	ErrUnknownTeam  = errors.New("unknown team id")
	ErrUnknownClue  = errors.New("clue key not present in this board")
	ErrConflict     = errors.New("compare-and-set conflict")
	ErrSyncClosed   = errors.New("sync connection closed")
)

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body,a{display:block;height:100%;width:100%;text-decoration:none;color:inherit;cursor:auto;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body><a href=\"/\">%s</a></body></html>", body))

	return htmlBody.String()
}
