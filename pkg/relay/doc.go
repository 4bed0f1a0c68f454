// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package relay implements a one-way chat relay: messages read from a
// source platform are filtered by literal pattern, rendered through a
// template and forwarded to a single chat on a sink platform.
//
// # Core Types
//
// [FilterConfig] holds the ordered [FilterRule] list. [Match] picks the first
// rule whose text occurs in a message, so more specific patterns must be
// listed first.
//
// [Pump] implements [Handler]. Source adapters call HandleMessage once per
// inbound [Event]; the pump normalizes it to an [InboundMessage], matches it,
// renders the rule's template with [Render] and sends the resulting chunks to
// the [Sink] in order.
//
// # Delivery
//
// Delivery is best-effort. A chunk that fails with a [TransientError] (or a
// network error) is retried with exponential backoff up to
// RetryConfig.MaxAttempts and then skipped. A [PermanentError] abandons the
// remaining chunks of that message. Neither stops the pump.
//
// # Sub-packages
//
//   - relayfmt renders templates, splits oversized text into numbered chunks
//     and converts between chat markdown and HTML.
package relay
