// Package guildkit provides per-guild configuration storage and job
// scheduling for Discord bots built on discordgo.
//
// GuildKit handles the bookkeeping most guild-aware bots end up
// reinventing: a persistent, hierarchical config object per guild, a
// queue for long-running background jobs, and a cron-style scheduler for
// recurring ones. Jobs and schedules are persisted, so unfinished work
// resumes after a restart.
//
// Key components of the package include:
//
//   - Kit: The main struct tying configs, jobs and the discord session
//     together.
//   - Config: A hierarchical config addressed by slash-separated paths
//     ("subsystem/option"), with pluggable persistence backends.
//   - ConfigDirectory: A collection of configs keyed by guild ID, with
//     write-through persistence and per-guild update serialization.
//   - JobQueue: Runs submitted jobs one at a time, in order.
//   - JobCron: Fires jobs on cron schedules, with minute-level accuracy.
//   - TaskRegistry: Maps task type names to constructors, so persisted
//     jobs can be rebuilt on startup.
//
// Typical usage: build a Kit with New, register custom task types and
// guild state types, call Attach to hook the session's events, open the
// session, then call Run to start the background loops.
//
// Config values are JSON-representable: strings, bools, numbers
// (float64), arrays and nested objects. Writes go through
// ConfigDirectory.Update, which persists each change and rolls back the
// in-memory state if storage fails.
package guildkit
