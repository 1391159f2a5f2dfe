package chainlog

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// contractABI is the only on-chain interface the gateway needs (spec §6):
//
//	logMemory(uint8 opType, string title, string summary, string tags, bytes32 contentHash) -> uint256
//	getMemory(uint256 id) -> (address, uint8, string, string, string, bytes32, uint256)
//	getTotalMemories() -> uint256
//	event MemoryLogged(uint256 indexed id, address indexed user, uint8 opType, string title, string tags)
const contractABI = `[
	{"type":"function","name":"logMemory","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"opType","type":"uint8"},
		{"name":"title","type":"string"},
		{"name":"summary","type":"string"},
		{"name":"tags","type":"string"},
		{"name":"contentHash","type":"bytes32"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getMemory","stateMutability":"view",
	 "inputs":[{"name":"id","type":"uint256"}],
	 "outputs":[
		{"name":"user","type":"address"},
		{"name":"opType","type":"uint8"},
		{"name":"title","type":"string"},
		{"name":"summary","type":"string"},
		{"name":"tags","type":"string"},
		{"name":"contentHash","type":"bytes32"},
		{"name":"timestamp","type":"uint256"}]},
	{"type":"function","name":"getTotalMemories","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"MemoryLogged","anonymous":false,
	 "inputs":[
		{"name":"id","type":"uint256","indexed":true},
		{"name":"user","type":"address","indexed":true},
		{"name":"opType","type":"uint8","indexed":false},
		{"name":"title","type":"string","indexed":false},
		{"name":"tags","type":"string","indexed":false}]}
]`

func parsedABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(contractABI))
}
