// Package logx is svitlobot's structured logging on top of zerolog.
//
// Console output is human readable with a file:line caller, file output is
// JSON lines, and an optional Telegram sink forwards warnings and errors to
// the admin log chat with rate limiting and duplicate suppression.
package logx
