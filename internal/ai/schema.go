package ai

// matchesSchemaDescription describes the ClickHouse schema used for NL→SQL prompting.
//
// Keep in sync with the matches table the monitor's analytics sink writes.
const matchesSchemaDescription = `
Database: solwatch
Table: matches

Columns:
  - timestamp  DateTime  -- When the match was detected (UTC)
  - slot       UInt64    -- Ledger slot of the matched transaction
  - signature  String    -- Solana transaction signature
  - monitor_id String    -- Id of the detection rule that fired, e.g. "yuya_burn_10m"
  - severity   String    -- One of "low", "medium", "high", "critical"
  - collection String    -- Storage collection the match was routed to, e.g. "large_burns"
  - mint       String    -- Token mint address involved, empty when not token related
  - amount     Float64   -- Decimal-scaled token amount that triggered the match

Notes:
  - One row per (match, collection) routing; a transaction matched by two monitors appears twice.
  - Time filters should use timestamp, e.g. timestamp >= now() - INTERVAL 24 HOUR.
  - For activity per rule, GROUP BY monitor_id.
`
