// Package mysql persists task records and conversation transcripts in MySQL.
// Schema changes ship as embedded SQL files under deploy/migrations and are
// applied in version order when a connection is opened.
package mysql
