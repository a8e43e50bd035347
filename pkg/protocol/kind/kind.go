// Package kind names the event kinds the bot consumes and produces.
package kind

const (
	// Metadata is the profile metadata kind consumed by the profile cache.
	Metadata = 0
	// PublicPost is a plaintext note mentioning the bot.
	PublicPost = 1
	// PrivateMessage is a nip04-encrypted direct message to the bot.
	PrivateMessage = 4
	// Receipt is a zap receipt crediting a sender's balance.
	Receipt = 9735
	// BalanceQuery solicits a balance announcement. Ephemeral range: relays
	// forward but do not retain these; the balance of record lives in the
	// bot's store.
	BalanceQuery = 20078
	// BalanceAnnouncement carries the current balance back to its owner.
	BalanceAnnouncement = 20079
)
