package tinypstm

/*
TinyPSTM is a persistent software transactional memory. Transactions read and write words of a byte addressable
persistent device, and committed writes survive a crash thanks to a per-thread redo log.

The `tinypstm` module is organized into the following packages:

* `stm`: the transactional engine: versioned locks, read and write sets, snapshot extension, contention managers and the
  commit protocol.
* `tmlog`: the persistent redo logs, with commit and abort markers, truncation and recovery.
* `pmem`: persistent devices: an emulated device with crash injection, a memory mapped file and a badger backed store.
* `config`: TOML configuration.
* `log`: leveled logging.
* `util`: a background worker and a wait queue for contended locks.
* `cmd/pstm`: command line tools to recover, inspect and benchmark a device.
*/
