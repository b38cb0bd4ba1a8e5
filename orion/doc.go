// Package orion implements the backend for the Orion web dashboard: a REST
// control-plane used by Discord server administrators to view per-guild
// statistics, edit the bot's guild configuration, deploy ticket panels,
// send announcement embeds, and run moderation actions.
//
// Key components of the package include:
//
//   - Orion: The main struct tying the components together.
//   - Gateway: A facade over the live Discord gateway connection and its
//     in-memory object caches.
//   - Store: Reads and writes guild configuration, XP levels and the
//     security whitelist in the relational store shared with the bot.
//   - Aggregator: Combines Store and Gateway data into the view models
//     served by the API.
//   - API: The Gin HTTP server, including the Discord OAuth login flow and
//     session handling.
//
// Identity is established through Discord OAuth; sessions are persisted
// server-side in the same relational store, keyed by a signed cookie. All
// data-returning endpoints require an authenticated session.
package orion
