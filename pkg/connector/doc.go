// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements a Telegram bot that mentions every member
// of a group on demand.
//
// Telegram does not let bots enumerate ordinary group members, so a mention
// block is built from the live administrator roster plus the users who
// opted in with /register and are still in the group.
//
// # Core Types
//
// [MentionBot] wires everything together and serves the health and admin
// HTTP API (GET /health, POST /api/reload-registry).
//
// [Supervisor] owns the long-polling loop. The Bot API allows a single
// consumer per token; when it reports a conflict (HTTP 409) the supervisor
// clears the webhook, halts its own poll and backs off geometrically before
// starting again. Network failures restart polling after a fixed delay.
// Both paths share a bounded restart budget.
//
// [Transport] runs every outbound call. Rate limits, server errors and
// network failures are retried with capped exponential backoff; a message
// whose markup is rejected is resent once as plain text.
//
// [MentionBuilder] turns the roster and the opt-in registry into a
// deduplicated, ordered list of mention tokens.
//
// [TelegramClient] implements [ChatAPI] on top of telegram-bot-api. Every
// error it returns is an [OpError] carrying an [ErrorKind].
//
// # Sub-packages
//
//   - telegramfmt escapes, strips and cleans text for MarkdownV2.
package connector
