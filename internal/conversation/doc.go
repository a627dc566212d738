// Package conversation answers questions inside conversation threads.
//
// A Manager checks that the caller owns the thread, consults the answer
// cache, and on a miss generates an answer from the thread's recent messages
// plus retrieved passages. The question and the answer are then appended to
// the thread as one unit and, for fresh answers, stored in the cache.
//
// Generation happens outside every lock. A generation that times out or
// fails leaves the thread and the cache untouched.
package conversation
