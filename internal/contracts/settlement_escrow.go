package contracts

// SettlementEscrowABI is the ABI of the collateral escrow contract. Lock
// status values: 0 none, 1 locked, 2 debited, 3 released.
const SettlementEscrowABI = `[
  {"type":"function","name":"lockCollateral","stateMutability":"nonpayable",
   "inputs":[{"name":"settlementId","type":"bytes32"},{"name":"wallet","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"confirmDebit","stateMutability":"nonpayable",
   "inputs":[{"name":"settlementId","type":"bytes32"}],
   "outputs":[]},
  {"type":"function","name":"release","stateMutability":"nonpayable",
   "inputs":[{"name":"settlementId","type":"bytes32"}],
   "outputs":[]},
  {"type":"function","name":"getLock","stateMutability":"view",
   "inputs":[{"name":"settlementId","type":"bytes32"}],
   "outputs":[{"name":"wallet","type":"address"},{"name":"amount","type":"uint256"},{"name":"status","type":"uint8"},{"name":"lockedAt","type":"uint64"},{"name":"settledAt","type":"uint64"}]},
  {"type":"event","name":"CollateralLocked","anonymous":false,
   "inputs":[{"name":"settlementId","type":"bytes32","indexed":true},{"name":"wallet","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"CollateralDebited","anonymous":false,
   "inputs":[{"name":"settlementId","type":"bytes32","indexed":true}]},
  {"type":"event","name":"CollateralReleased","anonymous":false,
   "inputs":[{"name":"settlementId","type":"bytes32","indexed":true}]}
]`
