// loom stitches epoch-split mailing list archives into a single linear
// git history.
//
// Large public archives are distributed by upstream as a sequence of
// independently numbered "epoch" repositories: epoch 0 holds the oldest
// messages, epoch 1 continues where 0 left off, and so on. Each epoch is
// self-contained, so its first commit has no parent.
//
// We define the root commit of an epoch as its unique parentless commit,
// and its tip as the commit its branch points at. loom grafts the root of
// every epoch n onto the tip of epoch n-1 and rewrites the result
// permanently onto a single combined branch, so the full archive can be
// walked, searched and bisected as one history.
//
// Epochs are mirrored into the target repository as remotes named e0, e1,
// e2, and so on. Per-epoch handling (local-only epochs, relocated mirrors)
// is kept in the target repository's own configuration, so it survives
// re-runs without depending on any external state.
package loom
