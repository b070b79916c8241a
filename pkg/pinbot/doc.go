// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package pinbot implements a Matrix bot that archives pinned messages.
//
// Any user in a room the bot has joined can react to a message with a
// pushpin emoji. The bot then fetches the message and posts an attributed
// quote of it to a single archive room. Every source message is archived
// at most once, even across restarts.
//
// # Core Types
//
// [Bot] owns the Matrix client and routes synced events by [Classify].
//
// [Dispatcher] filters reactions and runs pin attempts on a bounded worker
// pool. Attempts for the same source event are serialized, so concurrent
// reactions publish a single quote.
//
// [Resolver] fetches the reacted-to message with retries and caches it.
//
// [Publisher] sends the quote and records the pin in the pin store once the
// homeserver accepted it.
//
// [InviteJoiner] joins rooms the bot is invited to.
//
// # Sub-packages
//
//   - pinstore persists which source events were archived.
//   - quotefmt renders the archive quote.
package pinbot
