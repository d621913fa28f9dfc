package consts

// ListdAdvisoryLockID is a unique integer used for a PostgreSQL advisory lock
// to ensure that only one listd instance or admin tool runs schema migrations
// at a time.
const ListdAdvisoryLockID = 51902377

// SweepAdvisoryLockID guards the periodic expiry of pending requests so that
// only one listd instance sweeps a shared database at a time.
const SweepAdvisoryLockID = 51902378
