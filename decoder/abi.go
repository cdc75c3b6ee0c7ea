package decoder

// ABI fragments for the contracts whose calls the service understands: the
// Safe master copy (v1.1.1 plus the pre-1.1.0 setup overload, which has a
// different selector) and the MultiSend library delegate-called by batched
// transactions. Only functions are kept; events are matched by topic
// elsewhere.

const safeMasterCopyABI = `[
  {"constant":false,"name":"setup","type":"function","inputs":[
    {"name":"_owners","type":"address[]"},
    {"name":"_threshold","type":"uint256"},
    {"name":"to","type":"address"},
    {"name":"data","type":"bytes"},
    {"name":"fallbackHandler","type":"address"},
    {"name":"paymentToken","type":"address"},
    {"name":"payment","type":"uint256"},
    {"name":"paymentReceiver","type":"address"}],"outputs":[]},
  {"constant":false,"name":"setup","type":"function","inputs":[
    {"name":"_owners","type":"address[]"},
    {"name":"_threshold","type":"uint256"},
    {"name":"to","type":"address"},
    {"name":"data","type":"bytes"},
    {"name":"paymentToken","type":"address"},
    {"name":"payment","type":"uint256"},
    {"name":"paymentReceiver","type":"address"}],"outputs":[]},
  {"constant":false,"name":"addOwnerWithThreshold","type":"function","inputs":[
    {"name":"owner","type":"address"},
    {"name":"_threshold","type":"uint256"}],"outputs":[]},
  {"constant":false,"name":"removeOwner","type":"function","inputs":[
    {"name":"prevOwner","type":"address"},
    {"name":"owner","type":"address"},
    {"name":"_threshold","type":"uint256"}],"outputs":[]},
  {"constant":false,"name":"swapOwner","type":"function","inputs":[
    {"name":"prevOwner","type":"address"},
    {"name":"oldOwner","type":"address"},
    {"name":"newOwner","type":"address"}],"outputs":[]},
  {"constant":false,"name":"changeThreshold","type":"function","inputs":[
    {"name":"_threshold","type":"uint256"}],"outputs":[]},
  {"constant":false,"name":"changeMasterCopy","type":"function","inputs":[
    {"name":"_masterCopy","type":"address"}],"outputs":[]},
  {"constant":false,"name":"setFallbackHandler","type":"function","inputs":[
    {"name":"handler","type":"address"}],"outputs":[]},
  {"constant":false,"name":"enableModule","type":"function","inputs":[
    {"name":"module","type":"address"}],"outputs":[]},
  {"constant":false,"name":"disableModule","type":"function","inputs":[
    {"name":"prevModule","type":"address"},
    {"name":"module","type":"address"}],"outputs":[]},
  {"constant":false,"name":"execTransaction","type":"function","inputs":[
    {"name":"to","type":"address"},
    {"name":"value","type":"uint256"},
    {"name":"data","type":"bytes"},
    {"name":"operation","type":"uint8"},
    {"name":"safeTxGas","type":"uint256"},
    {"name":"baseGas","type":"uint256"},
    {"name":"gasPrice","type":"uint256"},
    {"name":"gasToken","type":"address"},
    {"name":"refundReceiver","type":"address"},
    {"name":"signatures","type":"bytes"}],"outputs":[{"name":"success","type":"bool"}]},
  {"constant":false,"name":"execTransactionFromModule","type":"function","inputs":[
    {"name":"to","type":"address"},
    {"name":"value","type":"uint256"},
    {"name":"data","type":"bytes"},
    {"name":"operation","type":"uint8"}],"outputs":[{"name":"success","type":"bool"}]},
  {"constant":false,"name":"execTransactionFromModuleReturnData","type":"function","inputs":[
    {"name":"to","type":"address"},
    {"name":"value","type":"uint256"},
    {"name":"data","type":"bytes"},
    {"name":"operation","type":"uint8"}],"outputs":[
    {"name":"success","type":"bool"},{"name":"returnData","type":"bytes"}]},
  {"constant":false,"name":"approveHash","type":"function","inputs":[
    {"name":"hashToApprove","type":"bytes32"}],"outputs":[]},
  {"constant":false,"name":"requiredTxGas","type":"function","inputs":[
    {"name":"to","type":"address"},
    {"name":"value","type":"uint256"},
    {"name":"data","type":"bytes"},
    {"name":"operation","type":"uint8"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const multiSendABI = `[
  {"constant":false,"name":"multiSend","type":"function","inputs":[
    {"name":"transactions","type":"bytes"}],"outputs":[]}
]`
