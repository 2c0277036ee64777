package sandbox

// expectPrelude installs the fluent assertion API (pm.expect) into the
// VM. It is plain ES5 so it runs on any goja build. Assertion failures
// throw an Error whose message is captured by pm.test.
const expectPrelude = `
(function () {
	'use strict';

	function stringify(v) {
		if (v === undefined) return 'undefined';
		if (typeof v === 'function') return 'function';
		try {
			var s = JSON.stringify(v);
			return s === undefined ? String(v) : s;
		} catch (e) {
			return String(v);
		}
	}

	function typeOf(v) {
		if (v === null) return 'null';
		if (Array.isArray(v)) return 'array';
		return typeof v;
	}

	function Expectation(value, negated) {
		this._value = value;
		this._negated = !!negated;
	}

	Expectation.prototype._assert = function (passed, msg, negMsg) {
		if (this._negated) {
			if (passed) throw new Error(negMsg);
		} else if (!passed) {
			throw new Error(msg);
		}
		return this;
	};

	['to', 'be', 'been', 'is', 'that', 'which', 'and', 'has', 'have',
	 'with', 'at', 'of', 'same', 'deep'].forEach(function (word) {
		Object.defineProperty(Expectation.prototype, word, {
			get: function () { return this; }
		});
	});

	Object.defineProperty(Expectation.prototype, 'not', {
		get: function () { return new Expectation(this._value, !this._negated); }
	});

	Object.defineProperty(Expectation.prototype, 'ok', {
		get: function () {
			return this._assert(!!this._value,
				'expected ' + stringify(this._value) + ' to be truthy',
				'expected ' + stringify(this._value) + ' to be falsy');
		}
	});

	Object.defineProperty(Expectation.prototype, 'true', {
		get: function () {
			return this._assert(this._value === true,
				'expected ' + stringify(this._value) + ' to be true',
				'expected ' + stringify(this._value) + ' not to be true');
		}
	});

	Object.defineProperty(Expectation.prototype, 'false', {
		get: function () {
			return this._assert(this._value === false,
				'expected ' + stringify(this._value) + ' to be false',
				'expected ' + stringify(this._value) + ' not to be false');
		}
	});

	Object.defineProperty(Expectation.prototype, 'null', {
		get: function () {
			return this._assert(this._value === null,
				'expected ' + stringify(this._value) + ' to be null',
				'expected ' + stringify(this._value) + ' not to be null');
		}
	});

	Object.defineProperty(Expectation.prototype, 'undefined', {
		get: function () {
			return this._assert(this._value === undefined,
				'expected ' + stringify(this._value) + ' to be undefined',
				'expected ' + stringify(this._value) + ' not to be undefined');
		}
	});

	Object.defineProperty(Expectation.prototype, 'empty', {
		get: function () {
			var v = this._value;
			var isEmpty;
			if (typeof v === 'string' || Array.isArray(v)) {
				isEmpty = v.length === 0;
			} else if (v !== null && typeof v === 'object') {
				isEmpty = Object.keys(v).length === 0;
			} else {
				isEmpty = v === null || v === undefined;
			}
			return this._assert(isEmpty,
				'expected ' + stringify(v) + ' to be empty',
				'expected ' + stringify(v) + ' not to be empty');
		}
	});

	Expectation.prototype.equal = function (expected) {
		return this._assert(this._value === expected,
			'expected ' + stringify(this._value) + ' to equal ' + stringify(expected),
			'expected ' + stringify(this._value) + ' not to equal ' + stringify(expected));
	};

	Expectation.prototype.eql = function (expected) {
		var passed = stringify(this._value) === stringify(expected);
		return this._assert(passed,
			'expected ' + stringify(this._value) + ' to deeply equal ' + stringify(expected),
			'expected ' + stringify(this._value) + ' not to deeply equal ' + stringify(expected));
	};

	Expectation.prototype.above = function (n) {
		return this._assert(this._value > n,
			'expected ' + stringify(this._value) + ' to be above ' + n,
			'expected ' + stringify(this._value) + ' not to be above ' + n);
	};

	Expectation.prototype.below = function (n) {
		return this._assert(this._value < n,
			'expected ' + stringify(this._value) + ' to be below ' + n,
			'expected ' + stringify(this._value) + ' not to be below ' + n);
	};

	Expectation.prototype.least = function (n) {
		return this._assert(this._value >= n,
			'expected ' + stringify(this._value) + ' to be at least ' + n,
			'expected ' + stringify(this._value) + ' to be below ' + n);
	};

	Expectation.prototype.most = function (n) {
		return this._assert(this._value <= n,
			'expected ' + stringify(this._value) + ' to be at most ' + n,
			'expected ' + stringify(this._value) + ' to be above ' + n);
	};

	Expectation.prototype.a = function (type) {
		return this._assert(typeOf(this._value) === type,
			'expected ' + stringify(this._value) + ' to be a ' + type + ' but got ' + typeOf(this._value),
			'expected ' + stringify(this._value) + ' not to be a ' + type);
	};
	Expectation.prototype.an = Expectation.prototype.a;

	Expectation.prototype.property = function (name, value) {
		var v = this._value;
		var present = v !== null && v !== undefined &&
			Object.prototype.hasOwnProperty.call(Object(v), name);
		if (arguments.length > 1) {
			var passed = present && v[name] === value;
			return this._assert(passed,
				'expected ' + stringify(v) + ' to have property ' + stringify(name) +
					' with value ' + stringify(value),
				'expected ' + stringify(v) + ' not to have property ' + stringify(name) +
					' with value ' + stringify(value));
		}
		return this._assert(present,
			'expected ' + stringify(v) + ' to have property ' + stringify(name),
			'expected ' + stringify(v) + ' not to have property ' + stringify(name));
	};

	Expectation.prototype.lengthOf = function (n) {
		var len = this._value === null || this._value === undefined ? undefined : this._value.length;
		return this._assert(len === n,
			'expected ' + stringify(this._value) + ' to have length ' + n + ' but got ' + len,
			'expected ' + stringify(this._value) + ' not to have length ' + n);
	};

	Expectation.prototype.include = function (item) {
		var v = this._value;
		var passed;
		if (typeof v === 'string') {
			passed = v.indexOf(item) !== -1;
		} else if (Array.isArray(v)) {
			passed = v.indexOf(item) !== -1;
		} else if (v !== null && typeof v === 'object') {
			passed = Object.keys(v).some(function (k) { return v[k] === item; });
		} else {
			throw new Error('cannot check containment on ' + typeOf(v));
		}
		return this._assert(passed,
			'expected ' + stringify(v) + ' to include ' + stringify(item),
			'expected ' + stringify(v) + ' not to include ' + stringify(item));
	};
	Expectation.prototype.contain = Expectation.prototype.include;
	Expectation.prototype.includes = Expectation.prototype.include;

	pm.expect = function (value) { return new Expectation(value, false); };
})();
`
