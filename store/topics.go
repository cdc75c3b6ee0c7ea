package store

import "github.com/ethereum/go-ethereum/common"

// TransferTopic is the shared signature hash of the ERC-20 and ERC-721
// Transfer events: keccak256("Transfer(address,address,uint256)").
var TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
