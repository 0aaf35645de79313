package state

var (
	paramStorePrefix   = []byte("params/")
	accountPrefix      = []byte("account/")
	tokenBalancePrefix = []byte("token/balance/")
	tradePrefix        = []byte("escrow/trade/")
	tradeStakePrefix   = []byte("escrow/stake/")
	tradeInUsePrefix   = []byte("escrow/inuse/")
	stakePotPrefix     = []byte("escrow/stakepot/")
	instancePrefix     = []byte("escrow/instance/")
	instanceIndexKey   = []byte("escrow/instances")
	credentialPrefix   = []byte("escrow/credential/")
	journalSeqKey      = []byte("journal/seq")
	journalEntryPrefix = []byte("journal/entry/")
	genesisMarkerKey   = []byte("genesis/network")
)
