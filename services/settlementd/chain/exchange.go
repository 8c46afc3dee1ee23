package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Event names emitted by the exchange contract.
const (
	EventMinted              = "MintedNFT"
	EventAdminMinted         = "AdminMintedNFT"
	EventCanceled            = "EventCanceled"
	EventDeposited           = "Deposited"
	EventPermissionUpdated   = "PermissionUpdated"
	EventRedemptionSubmitted = "RedemptionSubmitted"
	EventRedemptionCanceled  = "RedemptionCanceled"
	EventRedemptionApproved  = "RedemptionApproved"
)

const exchangeABIJSON = `[
 {"type":"event","name":"MintedNFT","anonymous":false,"inputs":[
  {"name":"transactionId","type":"bytes32","indexed":false},
  {"name":"buyer","type":"address","indexed":false},
  {"name":"nftId","type":"bytes32","indexed":false},
  {"name":"tokenIds","type":"uint256[]","indexed":false},
  {"name":"quantity","type":"uint256","indexed":false}]},
 {"type":"event","name":"AdminMintedNFT","anonymous":false,"inputs":[
  {"name":"transactionId","type":"bytes32","indexed":false},
  {"name":"receiver","type":"address","indexed":false},
  {"name":"nftId","type":"bytes32","indexed":false},
  {"name":"tokenIds","type":"uint256[]","indexed":false}]},
 {"type":"event","name":"EventCanceled","anonymous":false,"inputs":[
  {"name":"transactionId","type":"bytes32","indexed":false},
  {"name":"eventId","type":"bytes32","indexed":false}]},
 {"type":"event","name":"Deposited","anonymous":false,"inputs":[
  {"name":"transactionId","type":"bytes32","indexed":false},
  {"name":"account","type":"address","indexed":false},
  {"name":"amount","type":"uint256","indexed":false}]},
 {"type":"event","name":"PermissionUpdated","anonymous":false,"inputs":[
  {"name":"transactionId","type":"bytes32","indexed":false},
  {"name":"account","type":"address","indexed":false},
  {"name":"roles","type":"bytes32[]","indexed":false}]},
 {"type":"event","name":"RedemptionSubmitted","anonymous":false,"inputs":[
  {"name":"transactionId","type":"bytes32","indexed":false},
  {"name":"owner","type":"address","indexed":false},
  {"name":"tokenIds","type":"uint256[]","indexed":false}]},
 {"type":"event","name":"RedemptionCanceled","anonymous":false,"inputs":[
  {"name":"transactionId","type":"bytes32","indexed":false},
  {"name":"owner","type":"address","indexed":false},
  {"name":"tokenIds","type":"uint256[]","indexed":false}]},
 {"type":"event","name":"RedemptionApproved","anonymous":false,"inputs":[
  {"name":"transactionId","type":"bytes32","indexed":false},
  {"name":"owner","type":"address","indexed":false},
  {"name":"tokenIds","type":"uint256[]","indexed":false}]}
]`

// ExchangeABI returns the parsed exchange contract event ABI.
func ExchangeABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(exchangeABIJSON))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("chain: parse exchange abi: %w", err)
	}
	return parsed, nil
}
